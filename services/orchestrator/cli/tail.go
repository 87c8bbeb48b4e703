package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/kafka"
	"github.com/ramiqadoumi/go-task-orchestrator/services/orchestrator/config"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow lifecycle records published to Kafka",
	Long: `Print every lifecycle or settled record the orchestrator publishes.

Without --group only new records are shown and no offsets are committed.`,
	RunE: runTail,
}

func init() {
	tailCmd.Flags().Bool("settled", false, "follow the settled topic instead of the events topic")
	tailCmd.Flags().String("group", "", "consumer group; resumes from its committed offset")
	tailCmd.Flags().String("correlation-key", "", "only print records for this session")
}

func runTail(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		return fmt.Errorf("kafka_brokers is not set")
	}

	settled, _ := cmd.Flags().GetBool("settled")
	group, _ := cmd.Flags().GetString("group")
	key, _ := cmd.Flags().GetString("correlation-key")

	topic := cfg.KafkaEventsTopic
	if settled {
		topic = cfg.KafkaSettled
	}

	logger := buildLogger(cfg.LogLevel, serviceName+"-tail")
	consumer := kafka.NewConsumer(brokers, topic, group, logger)
	defer func() { _ = consumer.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "following %s\n", topic)
	return consumer.Subscribe(ctx, printRecord(cmd.OutOrStdout(), key))
}

// printRecord writes each decoded record as one JSON line. Undecodable
// messages are reported and skipped.
func printRecord(out io.Writer, correlationKey string) kafka.HandlerFunc {
	enc := json.NewEncoder(out)
	return func(_ context.Context, msg kafka.Message) error {
		rec, err := kafka.DecodeRecord(msg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return nil
		}
		if correlationKey != "" && rec.CorrelationKey != correlationKey {
			return nil
		}
		return enc.Encode(rec)
	}
}
