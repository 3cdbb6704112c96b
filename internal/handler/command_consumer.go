// internal/handler/command_consumer.go
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cash-device-service/internal/config"
	"cash-device-service/internal/model"
	"cash-device-service/internal/service"
	"cash-device-service/internal/utils"
	"cash-device-service/pkg/driver"
)

// paymentCommands is the payment service surface the consumer drives
type paymentCommands interface {
	StartPayment(ctx context.Context, target model.Money) (*model.PaymentSession, error)
	StopPayment(ctx context.Context) error
	DispenseChange(ctx context.Context, amount model.Money, sessionID *uuid.UUID) (*service.ChangeResult, error)
	TestDispense(ctx context.Context, upperCount, lowerCount int) (*driver.DispenseResult, error)
	GetAcceptorStatus(ctx context.Context) (*service.AcceptorStatus, error)
	SetMaxBillCount(ctx context.Context, count int) error
	ResetBillCount(ctx context.Context) error
	GetDispenserStatus(ctx context.Context) (*service.DispenserStatus, error)
	SetDispenserDenominations(ctx context.Context, upper, lower model.Money) error
	SetDispenserCounts(ctx context.Context, upper, lower int) error
	ResetDispenserCounts(ctx context.Context) error
	GetCoinStatus(ctx context.Context) (*service.CoinStatus, error)
}

// deviceCommands is the device service surface the consumer drives
type deviceCommands interface {
	InitializeDevices(ctx context.Context) error
	ConnectedDevices() []string
}

// CommandConsumer bridges the terminal application to this service over
// Redis pub/sub. Commands arrive as JSON on the command channel and
// every command except ping gets a response on the response channel.
type CommandConsumer struct {
	client   *redis.Client
	payments paymentCommands
	devices  deviceCommands
	config   *config.RedisConfig
	logger   *utils.ServiceLogger
	cancel   context.CancelFunc
	done     chan struct{}
}

// CommandMessage is the wire format of an incoming command
type CommandMessage struct {
	Command    string `json:"command"`
	CommandID  string `json:"command_id"`
	Amount     int64  `json:"amount,omitempty"`
	Value      int    `json:"value,omitempty"`
	UpperLvl   int64  `json:"upper_lvl,omitempty"`
	LowerLvl   int64  `json:"lower_lvl,omitempty"`
	UpperCount int    `json:"upper_count,omitempty"`
	LowerCount int    `json:"lower_count,omitempty"`
	IsBill     bool   `json:"is_bill,omitempty"`
	IsCoin     bool   `json:"is_coin,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// CommandResponse is the wire format of a command response
type CommandResponse struct {
	CommandID string      `json:"command_id"`
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
}

// NewCommandConsumer creates a new command consumer
func NewCommandConsumer(
	client *redis.Client,
	payments paymentCommands,
	devices deviceCommands,
	cfg *config.RedisConfig,
	logger *zap.Logger,
) *CommandConsumer {
	return &CommandConsumer{
		client:   client,
		payments: payments,
		devices:  devices,
		config:   cfg,
		logger:   utils.NewServiceLogger(logger, "command-consumer"),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the command channel and processes messages until
// Stop is called
func (cc *CommandConsumer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	cc.cancel = cancel

	pubsub := cc.client.Subscribe(runCtx, cc.config.CommandChannel)

	go func() {
		defer close(cc.done)
		defer pubsub.Close()

		cc.logger.Info("Command consumer started",
			zap.String("channel", cc.config.CommandChannel),
		)

		ch := pubsub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				cc.handleMessage(runCtx, msg.Payload)
			}
		}
	}()
}

// Stop shuts down the consumer and waits for the loop to exit
func (cc *CommandConsumer) Stop() {
	if cc.cancel != nil {
		cc.cancel()
	}
	<-cc.done
	cc.logger.Info("Command consumer stopped")
}

// handleMessage parses, dispatches and responds to one message
func (cc *CommandConsumer) handleMessage(ctx context.Context, payload string) {
	var msg CommandMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		cc.logger.Error("Failed to parse command", zap.Error(err))
		return
	}

	// Keepalive traffic from the terminal, no response expected
	if msg.Command == "ping" || msg.Command == "" {
		return
	}

	cc.logger.Info("Command received",
		zap.String("command", msg.Command),
		zap.String("command_id", msg.CommandID),
	)

	cmdCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	response := cc.dispatch(cmdCtx, &msg)
	cancel()

	cc.publishResponse(ctx, response)
}

// dispatch executes one command and builds its response
func (cc *CommandConsumer) dispatch(ctx context.Context, msg *CommandMessage) *CommandResponse {
	response := &CommandResponse{
		CommandID: msg.CommandID,
		Success:   true,
	}

	var err error

	switch msg.Command {
	case "init_devices":
		if err = cc.devices.InitializeDevices(ctx); err == nil {
			response.Message = "Devices initialized"
			response.Data = map[string]interface{}{
				"connected_devices": cc.devices.ConnectedDevices(),
			}
		}

	case "start_accepting_payment":
		var session *model.PaymentSession
		if session, err = cc.payments.StartPayment(ctx, model.Money(msg.Amount)); err == nil {
			response.Message = "Payment started"
			response.Data = session
		}

	case "stop_accepting_payment":
		if err = cc.payments.StopPayment(ctx); err == nil {
			response.Message = "Payment stopped"
		}

	case "dispense_change":
		var sessionID *uuid.UUID
		if msg.SessionID != "" {
			if id, parseErr := uuid.Parse(msg.SessionID); parseErr == nil {
				sessionID = &id
			}
		}
		var result *service.ChangeResult
		if result, err = cc.payments.DispenseChange(ctx, model.Money(msg.Amount), sessionID); err == nil {
			response.Message = "Change dispensed"
			response.Data = result
		}

	case "test_dispense_change":
		if !msg.IsBill {
			err = fmt.Errorf("only bill dispensing is supported")
			break
		}
		var result *driver.DispenseResult
		if result, err = cc.payments.TestDispense(ctx, 1, 1); err == nil {
			response.Message = "Test dispense completed"
			response.Data = result
		}

	case "bill_acceptor_status":
		var status *service.AcceptorStatus
		if status, err = cc.payments.GetAcceptorStatus(ctx); err == nil {
			response.Message = "Acceptor status"
			response.Data = status
		}

	case "bill_acceptor_set_max_bill_count":
		if err = cc.payments.SetMaxBillCount(ctx, msg.Value); err == nil {
			response.Message = "Max bill count updated"
		}

	case "bill_acceptor_reset_bill_count":
		if err = cc.payments.ResetBillCount(ctx); err == nil {
			response.Message = "Bill count reset"
		}

	case "bill_dispenser_status":
		var status *service.DispenserStatus
		if status, err = cc.payments.GetDispenserStatus(ctx); err == nil {
			response.Message = "Dispenser status"
			response.Data = status
		}

	case "set_bill_dispenser_lvl":
		if err = cc.payments.SetDispenserDenominations(ctx, model.Money(msg.UpperLvl), model.Money(msg.LowerLvl)); err == nil {
			response.Message = "Dispenser denominations updated"
		}

	case "set_bill_dispenser_count":
		if err = cc.payments.SetDispenserCounts(ctx, msg.UpperCount, msg.LowerCount); err == nil {
			response.Message = "Dispenser counts updated"
		}

	case "bill_dispenser_reset_bill_count":
		if err = cc.payments.ResetDispenserCounts(ctx); err == nil {
			response.Message = "Dispenser counts reset"
		}

	case "coin_system_status":
		var status *service.CoinStatus
		if status, err = cc.payments.GetCoinStatus(ctx); err == nil {
			response.Message = "Coin system status"
			response.Data = status
		}

	default:
		err = fmt.Errorf("unknown command: %s", msg.Command)
	}

	if err != nil {
		response.Success = false
		response.Message = err.Error()
		response.Data = nil
	}

	return response
}

// publishResponse sends a command response on the response channel
func (cc *CommandConsumer) publishResponse(ctx context.Context, response *CommandResponse) {
	payload, err := json.Marshal(response)
	if err != nil {
		cc.logger.Error("Failed to marshal command response", zap.Error(err))
		return
	}

	if err := cc.client.Publish(ctx, cc.config.ResponseChannel, payload).Err(); err != nil {
		cc.logger.Error("Failed to publish command response",
			zap.Error(err),
			zap.String("command_id", response.CommandID),
		)
	}
}
