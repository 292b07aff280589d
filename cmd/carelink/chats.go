package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	carelink "github.com/carelink-health/carelink-go"
)

func init() {
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(requestsCmd)
	requestsCmd.AddCommand(requestsApproveCmd)
	requestsCmd.AddCommand(requestsRejectCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List active conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		client, _ := getClient(logger)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		summaries, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list conversations: %w", err)
		}

		if len(summaries) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, s := range summaries {
			unread := ""
			if s.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", s.UnreadCount)
			}
			fmt.Printf("%s  %s [%s]%s\n", s.ChatID, s.Counterpart.Name, s.Counterpart.Role, unread)
			if s.LastMessage != "" {
				fmt.Printf("    %s\n", s.LastMessage)
			}
		}
		return nil
	},
}

var requestsReceived bool

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List chat requests",
	Long:  "List chat requests. Patients see the requests they sent; doctors pass --received to see incoming ones.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		client, _ := getClient(logger)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var requests []carelink.ChatRequest
		var err error
		if requestsReceived {
			requests, err = client.Requests.ListReceived(ctx)
		} else {
			requests, err = client.Requests.ListMine(ctx)
		}
		if err != nil {
			return fmt.Errorf("failed to list requests: %w", err)
		}

		if len(requests) == 0 {
			fmt.Println("No chat requests.")
			return nil
		}
		for _, r := range requests {
			patient := r.PatientName
			if patient == "" {
				patient = r.PatientID
			}
			doctor := r.DoctorName
			if doctor == "" {
				doctor = r.DoctorID
			}
			fmt.Printf("%s → %s  [%s]  %s\n", patient, doctor, r.Status, r.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var requestsApproveCmd = &cobra.Command{
	Use:   "approve <patient-id>",
	Short: "Approve a patient's chat request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideRequest(args[0], true)
	},
}

var requestsRejectCmd = &cobra.Command{
	Use:   "reject <patient-id>",
	Short: "Reject a patient's chat request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideRequest(args[0], false)
	},
}

func decideRequest(patientID string, approve bool) error {
	logger := newLogger()
	client, _ := getClient(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	if approve {
		err = client.Requests.Approve(ctx, patientID)
	} else {
		err = client.Requests.Reject(ctx, patientID)
	}
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	if approve {
		fmt.Printf("Approved chat request from %s\n", patientID)
	} else {
		fmt.Printf("Rejected chat request from %s\n", patientID)
	}
	return nil
}

func init() {
	requestsCmd.Flags().BoolVar(&requestsReceived, "received", false, "list requests received (doctor view)")
}
