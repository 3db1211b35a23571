package config

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type      string   `mapstructure:"type" validate:"required,oneof=rabbitmq gcp-pubsub kafka redis"`
	URL       string   `mapstructure:"url" validate:"required_if=Type rabbitmq,required_if=Type redis"`
	Exchange  string   `mapstructure:"exchange"`
	ProjectID string   `mapstructure:"projectID" validate:"required_if=Type gcp-pubsub"` // Optional for brokers like GCP Pub/Sub
	PoolSize  int      `mapstructure:"pool_size" validate:"gte=0"`                      // Optional for RabbitMQ
	Brokers   []string `mapstructure:"brokers" validate:"required_if=Type kafka"`       // Kafka bootstrap servers
}
