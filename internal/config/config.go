package config

import "time"

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer
	BaseURL     string `env:"BASE_URL"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"agrimods.db"`

	SessionServiceURL string `env:"SESSION_SERVICE_URL"`

	Redis  Redis  `envPrefix:"REDIS_"`
	AMQP   AMQP   `envPrefix:"AMQP_"`
	Outbox Outbox `envPrefix:"OUTBOX_"`
	Paypal Paypal `envPrefix:"PAYPAL_"`
}

type Paypal struct {
	BaseApiURL   string `env:"BASE_API_URL"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	WebhookID    string `env:"WEBHOOK_ID"`
}

type Redis struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type AMQP struct {
	URL      string `env:"URL"`
	Exchange string `env:"EXCHANGE" envDefault:"notifications"`
}

type Outbox struct {
	Interval  time.Duration `env:"INTERVAL" envDefault:"5s"`
	BatchSize int           `env:"BATCH_SIZE" envDefault:"20"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}
