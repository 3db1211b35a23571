package broker

import (
	"errors"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var errBrokerClosed = errors.New("rabbitmq: broker closed")

type pooledChannel struct {
	channel     *amqp.Channel
	notifyClose chan *amqp.Error
}

func newPooledChannel(conn *amqp.Connection) (*pooledChannel, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return &pooledChannel{
		channel:     channel,
		notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// isClosed reports whether the channel was closed by either side.
func (p *pooledChannel) isClosed() (*amqp.Error, bool) {
	select {
	case err := <-p.notifyClose:
		return err, true
	default:
		return nil, false
	}
}

func (r *rabbitMqBroker) newConnection() (*amqp.Connection, error) {
	conn, err := amqp.Dial(r.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for err := range notifyClose {
			r.logger.Warn("RabbitMQ connection closed", zap.Error(err))
		}
	}()
	return conn, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errBrokerClosed
	}

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}
	r.drainPool()

	connection, err := r.newConnection()
	if err != nil {
		return err
	}
	r.connection = connection

	if r.exchange != "" {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
		err = channel.ExchangeDeclare(
			r.exchange, // name
			"topic",    // type
			true,       // durable
			false,      // auto-deleted
			false,      // internal
			false,      // no-wait
			nil,        // arguments
		)
		channel.Close()
		if err != nil {
			return fmt.Errorf("failed to declare exchange %q: %w", r.exchange, err)
		}
	}

	for i := 0; i < r.poolSize; i++ {
		pooledChan, err := newPooledChannel(connection)
		if err != nil {
			return err
		}
		r.channelPool <- pooledChan
	}

	r.logger.Info("RabbitMQ connection and channel pool initialized",
		zap.String("exchange", r.exchange),
		zap.Int("pool_size", r.poolSize),
	)
	return nil
}

// drainPool closes every idle channel. Callers hold r.mu.
func (r *rabbitMqBroker) drainPool() {
	for {
		select {
		case pooledChan := <-r.channelPool:
			pooledChan.channel.Close()
		default:
			return
		}
	}
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			if r.connectionLost() {
				r.logger.Info("Attempting to reconnect to RabbitMQ")
				if err := r.connectAndInitialize(); err != nil {
					r.logger.Error("Failed to reconnect to RabbitMQ", zap.Error(err))
				} else {
					r.logger.Info("Reconnected to RabbitMQ")
				}
			}
		case <-r.stopReconnect:
			r.logger.Debug("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) connectionLost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && (r.connection == nil || r.connection.IsClosed())
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-r.channelPool:
			if err, closed := pooledChan.isClosed(); closed {
				r.logger.Debug("Discarding closed channel", zap.Error(err))
				continue
			}
			return pooledChan, nil
		default:
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.closed {
				return nil, errBrokerClosed
			}
			if r.connection == nil || r.connection.IsClosed() {
				return nil, errors.New("rabbitmq: connection is down, waiting for reconnect")
			}
			r.logger.Debug("Creating new channel")
			return newPooledChannel(r.connection)
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	if err, closed := pooledChan.isClosed(); closed {
		r.logger.Debug("Discarding closed channel", zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		pooledChan.channel.Close()
		return
	}
	select {
	case r.channelPool <- pooledChan:
	default:
		// Pool is full, close the channel
		pooledChan.channel.Close()
	}
}
