package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"github.com/airhost/airhost-gateway/internal/output"
	"github.com/airhost/airhost-gateway/internal/simulator"
)

var (
	webhookURL     string
	requestTimeout time.Duration
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Probe the subscription handshake",
	Long:  "Send the provider's subscription handshake to a gateway and check that the challenge is echoed back.",
	Example: `  airhostctl verify --token my-verify-token
  airhostctl verify --url https://gw.example.com/webhook/whatsapp`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			token = cfg.Webhook.VerifyToken
		}
		if token == "" {
			return fmt.Errorf("verify token is required (use --token or webhook.verify_token)")
		}

		challenge := strconv.Itoa(gofakeit.Number(100000000, 999999999))
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		url := gatewayURL()
		if err := simulator.NewClient(url, requestTimeout).Verify(ctx, token, challenge); err != nil {
			return fmt.Errorf("handshake failed: %w", err)
		}
		printer(cmd).Success("Handshake accepted by %s", url)
		return nil
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Send simulated guest messages",
	Long: `Build a provider-shaped delivery with generated guests and post it to the
gateway. The body is signed with the app secret when one is configured.`,
	Example: `  airhostctl simulate --channel 604674832740532 --text "Bonjour, le code wifi ?"
  airhostctl simulate --channel 604674832740532 --count 3 --shape direct
  airhostctl simulate --channel 604674832740532 --repeat 2   # redelivery`,
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")
		from, _ := cmd.Flags().GetString("from")
		name, _ := cmd.Flags().GetString("name")
		text, _ := cmd.Flags().GetString("text")
		shapeName, _ := cmd.Flags().GetString("shape")
		count, _ := cmd.Flags().GetInt("count")
		repeat, _ := cmd.Flags().GetInt("repeat")
		unsigned, _ := cmd.Flags().GetBool("unsigned")

		if channel == "" {
			return fmt.Errorf("--channel is required")
		}
		shape, err := simulator.ParseShape(shapeName)
		if err != nil {
			return err
		}
		if count < 1 {
			count = 1
		}
		if repeat < 1 {
			repeat = 1
		}

		msgs := make([]simulator.Message, 0, count)
		for i := 0; i < count; i++ {
			m := simulator.FakeMessage()
			if from != "" {
				m.From = from
			}
			if name != "" {
				m.GuestName = name
			}
			if text != "" {
				m.Text = text
			}
			msgs = append(msgs, m)
		}

		body, sent, err := simulator.Build(simulator.Options{Shape: shape, PhoneNumberID: channel}, msgs...)
		if err != nil {
			return err
		}

		secret := cfg.Webhook.AppSecret
		if unsigned {
			secret = ""
		}

		p := printer(cmd)
		client := simulator.NewClient(gatewayURL(), requestTimeout)
		results := make([]*simulator.Result, 0, repeat)
		for i := 0; i < repeat; i++ {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			res, err := client.Send(ctx, body, secret)
			cancel()
			if err != nil {
				return fmt.Errorf("delivery %d failed: %w", i+1, err)
			}
			results = append(results, res)
		}

		return p.Render(map[string]interface{}{"messages": sent, "deliveries": results}, func(t *output.Table) {
			t.Header("DELIVERY", "STATUS", "MESSAGE ID", "FROM", "GATEWAY")
			for i, res := range results {
				status := ""
				if res.Summary != nil {
					status = fmt.Sprint(res.Summary["status"])
				}
				for _, m := range sent {
					t.AddRow(strconv.Itoa(i+1), strconv.Itoa(res.StatusCode), m.ID, m.From, status)
				}
			}
		})
	},
}

// gatewayURL is --url, or the local gateway derived from config.
func gatewayURL() string {
	if webhookURL != "" {
		return webhookURL
	}
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	provider := cfg.Webhook.Provider
	if provider == "" {
		provider = "whatsapp"
	}
	return fmt.Sprintf("http://localhost:%d/webhook/%s", port, provider)
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(simulateCmd)

	for _, c := range []*cobra.Command{verifyCmd, simulateCmd} {
		c.Flags().StringVar(&webhookURL, "url", "", "webhook URL (default: local gateway from config)")
		c.Flags().DurationVar(&requestTimeout, "timeout", 15*time.Second, "request timeout")
	}

	verifyCmd.Flags().StringP("token", "t", "", "verify token (default: webhook.verify_token)")

	simulateCmd.Flags().StringP("channel", "c", "", "provider phone number id the messages are addressed to")
	simulateCmd.Flags().String("from", "", "guest phone number (default: generated)")
	simulateCmd.Flags().String("name", "", "guest profile name (default: generated)")
	simulateCmd.Flags().StringP("text", "m", "", "message text (default: generated)")
	simulateCmd.Flags().String("shape", "nested", "envelope shape: nested, direct")
	simulateCmd.Flags().IntP("count", "n", 1, "messages in the delivery")
	simulateCmd.Flags().Int("repeat", 1, "send the same delivery this many times")
	simulateCmd.Flags().Bool("unsigned", false, "do not sign the body even if an app secret is configured")
}
