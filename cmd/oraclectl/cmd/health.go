package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type healthStatus struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Role     string `json:"role,omitempty"`
	Database bool   `json:"database,omitempty"`
}

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of an oracle",
	Long:  `Check the health of an oracle over HTTP (/healthz) or the gRPC health service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		useGRPC, _ := cmd.Flags().GetBool("grpc-check")
		w := cmd.OutOrStdout()

		if useGRPC {
			status, err := grpcHealth(cmd.Context())
			if err != nil {
				fmt.Fprintf(w, "✗ Oracle is unhealthy: %v\n", err)
				return nil
			}
			if outputJSON {
				printOutput(w, map[string]string{"status": status.String()})
			} else if status == healthpb.HealthCheckResponse_SERVING {
				fmt.Fprintln(w, "✓ Oracle is healthy (gRPC)")
			} else {
				fmt.Fprintf(w, "✗ Oracle is unhealthy (gRPC %s)\n", status)
			}
			return nil
		}

		var st healthStatus
		resp, err := newClient().R().SetContext(cmd.Context()).SetResult(&st).Get("/healthz")
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		if outputJSON {
			printOutput(w, st)
			return nil
		}
		if resp.IsSuccess() && st.OK {
			fmt.Fprintf(w, "✓ %s is healthy (HTTP)\n", orDefault(st.Role, "oracle"))
		} else {
			fmt.Fprintf(w, "✗ Oracle is unhealthy (HTTP %d): %s\n", resp.StatusCode(), st.Message)
		}
		return nil
	},
}

func grpcHealth(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().Bool("grpc-check", false, "use the gRPC health service instead of /healthz")
}
