package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	carelink "github.com/carelink-health/carelink-go"
)

// runtimeConfig is the effective configuration: the TOML file overridden by
// CARELINK_* environment variables.
type runtimeConfig struct {
	Token   string
	BaseURL string
	Profile ConfigProfile
}

// loadRuntimeConfig merges the config file with environment overrides.
func loadRuntimeConfig() (*runtimeConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("CARELINK")
	v.AutomaticEnv()
	v.BindEnv("TOKEN")
	v.BindEnv("BASE_URL")

	rc := &runtimeConfig{
		Token:   cfg.Default.Token,
		BaseURL: cfg.Default.BaseURL,
		Profile: cfg.Profile,
	}
	if t := v.GetString("TOKEN"); t != "" {
		rc.Token = t
	}
	if u := v.GetString("BASE_URL"); u != "" {
		rc.BaseURL = u
	}
	return rc, nil
}

// newLogger builds the CLI's console logger. CARELINK_DEBUG=1 enables debug
// output.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if os.Getenv("CARELINK_DEBUG") != "" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

// getClient creates a CareLink client from the effective configuration.
func getClient(logger zerolog.Logger) (*carelink.Client, *runtimeConfig) {
	rc, err := loadRuntimeConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if rc.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'carelink init <token>' first.")
		os.Exit(1)
	}

	opts := []carelink.ClientOption{carelink.WithLogger(logger)}
	if rc.BaseURL != "" {
		opts = append(opts, carelink.WithBaseURL(rc.BaseURL))
	}
	return carelink.NewClient(rc.Token, opts...), rc
}

// selfParticipant builds the authenticated participant from the profile
// section.
func selfParticipant(rc *runtimeConfig) (carelink.Participant, error) {
	if rc.Profile.UserID == "" {
		return carelink.Participant{}, fmt.Errorf("profile.user_id not set; run 'carelink config set profile.user_id <id>'")
	}
	role := carelink.Role(rc.Profile.Role)
	if role != carelink.RoleDoctor {
		role = carelink.RolePatient
	}
	return carelink.Participant{ID: rc.Profile.UserID, Name: rc.Profile.Name, Role: role}, nil
}
