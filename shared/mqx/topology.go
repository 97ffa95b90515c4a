package mqx

import (
	"fmt"

	"ashen-realm/shared/config"
	"ashen-realm/shared/events"
)

type Binding struct {
	Queue string
	Key   string
}

// Topology is declared on every connect. Declarations are idempotent on the broker side.
type Topology struct {
	Exchange string
	Queues   []Binding
	// Extra queues are declared durable without a binding.
	Extra       []string
	DeadLetters bool
}

func DefaultTopology(cfg config.Config) Topology {
	return Topology{
		Exchange: cfg.ExchangeName,
		Queues: []Binding{
			{Queue: cfg.QueueMessages, Key: events.BindingMessages},
			{Queue: cfg.QueueInvasions, Key: events.BindingInvasions},
			{Queue: cfg.QueueEvents, Key: events.BindingEvents},
		},
		DeadLetters: true,
	}
}

// WithAuxiliary adds the response, notification and log queues created by the setup command.
func (t Topology) WithAuxiliary() Topology {
	t.Extra = append(append([]string(nil), t.Extra...), events.QueueResponses, events.QueueNotifications, events.QueueLogs)
	return t
}

func (t Topology) QueueNames() []string {
	names := make([]string, 0, len(t.Queues))
	for _, b := range t.Queues {
		names = append(names, b.Queue)
	}
	return names
}

func (t Topology) Declare(ch Channel) error {
	if t.Exchange == "" {
		return fmt.Errorf("exchange name is required")
	}
	if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	for _, b := range t.Queues {
		if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.Queue, err)
		}
		if b.Key != "" {
			if err := ch.QueueBind(b.Queue, b.Key, t.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind %s to %s: %w", b.Queue, b.Key, err)
			}
		}
		if t.DeadLetters {
			dlq := events.DeadLetterQueue(b.Queue)
			if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare queue %s: %w", dlq, err)
			}
		}
	}
	for _, q := range t.Extra {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	return nil
}
