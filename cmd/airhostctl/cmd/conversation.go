package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/airhost/airhost-gateway/internal/conversation"
	"github.com/airhost/airhost-gateway/internal/normalizer"
	"github.com/airhost/airhost-gateway/internal/output"
	"github.com/airhost/airhost-gateway/internal/relay"
)

var conversationCmd = &cobra.Command{
	Use:   "conversation",
	Short: "Conversation service commands",
	Long:  "Call the conversation service the gateway relays to",
}

var conversationCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Find or create a guest conversation",
	Long: `Call create-conversation-with-welcome directly, the same call the gateway
makes for the first message from a guest. Useful to seed a conversation or
to check the service credentials.`,
	Example: `  airhostctl conversation create --host-id 7d1f... --guest-phone +33617370484 --guest-name "Camille Martin"
  airhostctl conversation create --host-id 7d1f... --guest-phone +33617370484 --welcome --template hello_world`,
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID, _ := cmd.Flags().GetString("host-id")
		phone, _ := cmd.Flags().GetString("guest-phone")
		name, _ := cmd.Flags().GetString("guest-name")
		propertyID, _ := cmd.Flags().GetString("property-id")
		checkIn, _ := cmd.Flags().GetString("check-in")
		checkOut, _ := cmd.Flags().GetString("check-out")
		welcome, _ := cmd.Flags().GetBool("welcome")
		template, _ := cmd.Flags().GetString("template")

		if hostID == "" || phone == "" {
			return fmt.Errorf("--host-id and --guest-phone are required")
		}
		if cfg.Conversation.BaseURL == "" {
			return fmt.Errorf("conversation.base_url is not configured")
		}
		phone = normalizer.NormalizePhone(phone)
		if phone == "" {
			return fmt.Errorf("--guest-phone has no digits")
		}
		if name == "" {
			name = normalizer.DefaultGuestName
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Conversation.Timeout+5*time.Second)
		defer cancel()

		client := conversation.NewClient(relay.New(), cfg.Conversation.Target("conversation"), cfg.Conversation.APIKey)
		res, err := client.Create(ctx, conversation.CreateRequest{
			HostID:              hostID,
			GuestName:           name,
			GuestPhone:          phone,
			PropertyID:          propertyID,
			CheckInDate:         checkIn,
			CheckOutDate:        checkOut,
			SendWelcomeTemplate: welcome,
			WelcomeTemplateName: template,
		})
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}

		p := printer(cmd)
		return p.Render(res, func(t *output.Table) {
			t.Header("CONVERSATION", "CREATED", "TEMPLATE SENT", "TEMPLATE ERROR")
			t.AddRow(res.ConversationID, strconv.FormatBool(res.Created), strconv.FormatBool(res.TemplateSent), res.TemplateError)
		})
	},
}

func init() {
	rootCmd.AddCommand(conversationCmd)
	conversationCmd.AddCommand(conversationCreateCmd)

	conversationCreateCmd.Flags().String("host-id", "", "host owning the conversation")
	conversationCreateCmd.Flags().String("guest-phone", "", "guest phone number")
	conversationCreateCmd.Flags().String("guest-name", "", "guest display name")
	conversationCreateCmd.Flags().String("property-id", "", "property the guest is staying at")
	conversationCreateCmd.Flags().String("check-in", "", "check-in date (YYYY-MM-DD)")
	conversationCreateCmd.Flags().String("check-out", "", "check-out date (YYYY-MM-DD)")
	conversationCreateCmd.Flags().Bool("welcome", false, "ask the service to send the welcome template")
	conversationCreateCmd.Flags().String("template", "", "welcome template name")
}
