package config

// DbSettings selects the outbox store engine and how to reach it.
type DbSettings struct {
	Type     string `mapstructure:"type" validate:"required,oneof=postgres mysql spanner mongo"`
	DSN      string `mapstructure:"dsn" validate:"required_if=Type postgres,required_if=Type mysql"`
	URI      string `mapstructure:"uri" validate:"required_if=Type spanner,required_if=Type mongo"` // Spanner database path or MongoDB connection string
	Database string `mapstructure:"database" validate:"required_if=Type mongo"`
	Table    string `mapstructure:"table"`
}

// ChannelSettings binds an outbox message type to the broker topic it is relayed to.
type ChannelSettings struct {
	Type  string `mapstructure:"type" validate:"required"`
	Topic string `mapstructure:"topic" validate:"required"`
}
