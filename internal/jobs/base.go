package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clipfarm/manager-go/internal/queue"
	"clipfarm/manager-go/internal/scheduler"
	"clipfarm/manager-go/internal/utils"
)

const (
	ActionGenerate = "generate"
	ActionPost     = "post"
)

// Source is the subset of the AMQP client the consumer needs.
type Source interface {
	Pop(queueName string) (*queue.Message, error)
}

// Target receives the triggers; *scheduler.Automation implements it.
type Target interface {
	TriggerGeneration() error
	TriggerPost() error
}

type TriggerPayload struct {
	Action   string `json:"action"`
	Hostname string `json:"hostname,omitempty"`
}

type Options struct {
	Sleep     time.Duration
	QueueOnce bool
}

// TriggerConsumer polls a queue for remote generate/post requests and forwards them.
type TriggerConsumer struct {
	QueueInput      string
	Hostname        string
	IgnoreHostCheck bool
}

func NewTriggerConsumer(hostname string) TriggerConsumer {
	return TriggerConsumer{QueueInput: queue.Triggers, Hostname: hostname}
}

// Run polls until ctx is cancelled. An empty queue waits opts.Sleep between polls;
// with QueueOnce the first empty poll returns.
func (c TriggerConsumer) Run(ctx context.Context, src Source, target Target, opts Options) error {
	if src == nil {
		return fmt.Errorf("queue client is not configured")
	}
	sleep := opts.Sleep
	if sleep <= 0 {
		sleep = 30 * time.Second
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		msg, err := src.Pop(c.QueueInput)
		if err != nil {
			return err
		}
		if msg == nil {
			if opts.QueueOnce {
				return nil
			}
			utils.Debug("queue empty", "queue", c.QueueInput, "sleep", sleep.String())
			if err := utils.Sleep(ctx, sleep); err != nil {
				return nil
			}
			continue
		}

		var payload TriggerPayload
		if err := json.Unmarshal(msg.Body, &payload); err != nil {
			utils.Warn("trigger payload json decode failed", "queue", c.QueueInput, "err", err)
			_ = msg.Ack()
			continue
		}

		if !c.IgnoreHostCheck && payload.Hostname != "" && payload.Hostname != c.Hostname {
			utils.Warn("trigger host mismatch", "queue", c.QueueInput, "message_host", payload.Hostname, "local_host", c.Hostname)
			_ = msg.Nack(true)
			if err := utils.Sleep(ctx, sleep); err != nil {
				return nil
			}
			continue
		}

		if err := c.dispatch(payload, target); err != nil {
			utils.Warn("trigger not applied", "queue", c.QueueInput, "action", payload.Action, "err", err)
		}
		_ = msg.Ack()
	}
}

func (c TriggerConsumer) dispatch(payload TriggerPayload, target Target) error {
	var err error
	switch payload.Action {
	case ActionGenerate:
		err = target.TriggerGeneration()
	case ActionPost:
		err = target.TriggerPost()
	default:
		return fmt.Errorf("unknown action %q", payload.Action)
	}
	if errors.Is(err, scheduler.ErrBusy) {
		utils.Info("trigger ignored; already in progress", "action", payload.Action)
		return nil
	}
	if err == nil {
		utils.Info("trigger accepted", "action", payload.Action)
	}
	return err
}
