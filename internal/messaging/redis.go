package messaging

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"deoxy-service/internal/logger"
	"deoxy-service/internal/types"

	"github.com/redis/go-redis/v9"
)

const (
	statusHash    = "deoxy"
	statusChannel = "deoxy"
	requestChan   = "deoxy:request"
	faultStream   = "events:faults"

	protocolList = "deoxy:protocol"
	motorList    = "deoxy:motor"
	pumpList     = "deoxy:pump"

	faultRunFailed = 1
)

type Callbacks struct {
	RunCallback    func(string) error // protocol name
	AbortCallback  func() error
	ResetCallback  func() error
	MotorCallback  func(int, types.MotorCommand) error
	PumpCallback   func(types.PumpCommand) error
	StatusCallback func() error // republish on request
}

type RedisClient struct {
	client    *redis.Client
	callbacks Callbacks
	logger    *logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewRedisClient(host string, port int, l *logger.Logger, callbacks Callbacks) *RedisClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", host, port),
			DB:   0,
		}),
		callbacks: callbacks,
		logger:    l.WithTag("redis"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (r *RedisClient) Connect() error {
	r.logger.Infof("Attempting to connect to Redis at %s", r.client.Options().Addr)

	if err := r.client.Ping(r.ctx).Err(); err != nil {
		r.logger.Infof("Redis connection failed: %v", err)
		return fmt.Errorf("Redis connection failed: %w", err)
	}
	r.logger.Infof("Successfully connected to Redis")
	return nil
}

// StartListening starts all Redis listeners after the rig is built
func (r *RedisClient) StartListening() error {
	r.logger.Infof("Starting Redis listeners")

	pubsub := r.client.Subscribe(r.ctx, requestChan)
	r.logger.Infof("Subscribed to Redis channel: %s", requestChan)

	r.wg.Add(1)
	go r.redisListener(pubsub)

	// List command listeners for LPUSH commands
	r.wg.Add(3)
	go r.listCommandListener(protocolList, r.handleProtocolCommand)
	go r.listCommandListener(motorList, r.handleMotorCommand)
	go r.listCommandListener(pumpList, r.handlePumpCommand)

	return nil
}

func (r *RedisClient) listCommandListener(key string, handler func(string) error) {
	defer r.wg.Done()
	r.logger.Infof("Starting list command listener for %s", key)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting %s listener", key)
			return
		default:
			// Use BRPOP with a short timeout to allow periodic context cancellation checks
			result, err := r.client.BRPop(r.ctx, 5*time.Second, key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if err == context.Canceled {
					r.logger.Infof("Context cancelled, exiting %s listener", key)
					return
				}
				r.logger.Infof("Error reading from %s list: %v", key, err)
				// back off so a dead connection does not spin
				time.Sleep(time.Second)
				continue
			}

			if len(result) >= 2 { // BRPOP returns [key, value]
				value := result[1]
				r.logger.Debugf("Received command from %s: %s", key, value)
				if err := handler(value); err != nil {
					r.logger.Warnf("Error handling %s command: %v", key, err)
				}
			}
		}
	}
}

// handleProtocolCommand accepts "run:<name>", "abort" and "reset".
func (r *RedisClient) handleProtocolCommand(value string) error {
	switch {
	case strings.HasPrefix(value, "run:"):
		name := strings.TrimPrefix(value, "run:")
		if name == "" {
			return fmt.Errorf("invalid protocol command: %s", value)
		}
		if r.callbacks.RunCallback == nil {
			return nil
		}
		return r.callbacks.RunCallback(name)
	case value == "abort":
		if r.callbacks.AbortCallback == nil {
			return nil
		}
		return r.callbacks.AbortCallback()
	case value == "reset":
		if r.callbacks.ResetCallback == nil {
			return nil
		}
		return r.callbacks.ResetCallback()
	default:
		r.logger.Infof("Invalid protocol command value: %s", value)
		return fmt.Errorf("invalid protocol command: %s", value)
	}
}

// handleMotorCommand accepts "<index>:<open|close|shut|stop>".
func (r *RedisClient) handleMotorCommand(value string) error {
	if r.callbacks.MotorCallback == nil {
		return nil
	}
	idxStr, cmdStr, ok := strings.Cut(value, ":")
	if !ok {
		r.logger.Infof("Invalid motor command value: %s, expected 'index:command'", value)
		return fmt.Errorf("invalid motor command: %s", value)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 {
		return fmt.Errorf("invalid motor index in command: %s", value)
	}
	cmd, err := types.ParseMotorCommand(cmdStr)
	if err != nil {
		return err
	}
	return r.callbacks.MotorCallback(idx, cmd)
}

func (r *RedisClient) handlePumpCommand(value string) error {
	if r.callbacks.PumpCallback == nil {
		return nil
	}
	cmd, err := types.ParsePumpCommand(value)
	if err != nil {
		r.logger.Infof("Invalid pump command value: %s", value)
		return err
	}
	return r.callbacks.PumpCallback(cmd)
}

func (r *RedisClient) redisListener(pubsub *redis.PubSub) {
	defer r.wg.Done()
	defer pubsub.Close()

	r.logger.Infof("Starting Redis message listener")
	channel := pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting listener")
			return
		case msg, ok := <-channel:
			if !ok || msg == nil {
				r.logger.Fatalf("Redis connection lost, exiting to allow systemd restart")
			}

			r.logger.Debugf("Received Redis message: channel=%s payload=%s", msg.Channel, msg.Payload)

			if msg.Channel == requestChan && msg.Payload == "status" && r.callbacks.StatusCallback != nil {
				if err := r.callbacks.StatusCallback(); err != nil {
					r.logger.Infof("Failed to republish status: %v", err)
				}
			}
		}
	}
}

// statusFields flattens a status into the fields of the deoxy hash.
func statusFields(status types.Status) map[string]interface{} {
	lastError := ""
	if status.LastError != nil {
		lastError = status.LastError.Error()
	}
	acked := make([]string, len(status.Acknowledged))
	for i, s := range status.Acknowledged {
		acked[i] = s.String()
	}
	return map[string]interface{}{
		"state":        string(status.State),
		"run-id":       status.RunID,
		"step":         status.Step,
		"total":        status.Total,
		"acknowledged": strings.Join(acked, ","),
		"last-error":   lastError,
		"updated":      status.UpdatedAt.Format(time.RFC3339),
	}
}

// PublishStatus atomically writes the status hash and announces it
func (r *RedisClient) PublishStatus(status types.Status) error {
	r.logger.Debugf("Publishing status: %s step %d/%d", status.State, status.Step, status.Total)

	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, statusHash, statusFields(status))
	pipe.Publish(r.ctx, statusChannel, "status")
	_, err := pipe.Exec(r.ctx)
	if err != nil {
		r.logger.Warnf("Failed to publish status: %v", err)
		return err
	}
	return nil
}

// ReportRunFailure records a failed run on the fault stream
func (r *RedisClient) ReportRunFailure(status types.Status) error {
	description := "run failed"
	if status.LastError != nil {
		description = status.LastError.Error()
	}
	r.logger.Infof("Reporting run %d failure: %s", status.RunID, description)

	pipe := r.client.Pipeline()
	pipe.SAdd(r.ctx, "deoxy:fault", faultRunFailed)
	pipe.XAdd(r.ctx, &redis.XAddArgs{
		Stream: faultStream,
		MaxLen: 1000,
		Values: map[string]interface{}{
			"group":       "deoxy",
			"code":        faultRunFailed,
			"description": description,
			"run":         status.RunID,
			"step":        status.Step,
			"ts":          time.Now().Unix(),
		},
	})
	pipe.Publish(r.ctx, statusChannel, "fault")

	_, err := pipe.Exec(r.ctx)
	if err != nil {
		r.logger.Infof("Failed to report run failure: %v", err)
	}
	return err
}

// ClearRunFailure removes the fault after a reset or successful run
func (r *RedisClient) ClearRunFailure() error {
	pipe := r.client.Pipeline()
	pipe.SRem(r.ctx, "deoxy:fault", faultRunFailed)
	pipe.XAdd(r.ctx, &redis.XAddArgs{
		Stream: faultStream,
		MaxLen: 1000,
		Values: map[string]interface{}{
			"group": "deoxy",
			"code":  -faultRunFailed, // Negative code indicates fault cleared
		},
	})
	pipe.Publish(r.ctx, statusChannel, "fault")

	_, err := pipe.Exec(r.ctx)
	return err
}

func (r *RedisClient) Close() error {
	r.logger.Infof("Closing Redis client")
	r.cancel()

	// Wait for all goroutines to finish with a timeout
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Infof("All Redis goroutines finished")
	case <-time.After(5 * time.Second):
		r.logger.Infof("Timeout waiting for Redis goroutines to finish")
	}

	return r.client.Close()
}
