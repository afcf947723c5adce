package rabbit

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/queue"
)

// RetrySuffix names the per-queue delay queue used for native delayed
// retries. Messages published there carry a per-message TTL and dead-letter
// back to the work queue on expiry.
const RetrySuffix = ".retry"

// declareTopology declares the work queue plus its retry and dead-letter
// companions. All three are durable; declaration is idempotent so it runs on
// every (re)connect.
func declareTopology(ch *amqp.Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	retryArgs := amqp.Table{
		// Expired messages return to the work queue via the default exchange.
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name,
	}
	if _, err := ch.QueueDeclare(name+RetrySuffix, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare retry queue for %s: %w", name, err)
	}
	if _, err := ch.QueueDeclare(name+queue.DeadLetterSuffix, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue for %s: %w", name, err)
	}
	return nil
}

// toTable converts string headers to an AMQP table.
func toTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}

// fromTable converts an AMQP table back to string headers, skipping
// non-string values other transports may have attached.
func fromTable(table amqp.Table) map[string]string {
	headers := make(map[string]string, len(table))
	for k, v := range table {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return headers
}
