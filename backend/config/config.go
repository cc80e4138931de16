package config

import "time"

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		// Empty broker list disables the update event feed.
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Collab struct {
		CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
		DisposeGrace       time.Duration `mapstructure:"dispose_grace"`
	} `mapstructure:"collab"`
}
