package config

import "github.com/ilyakaznacheev/cleanenv"

// DefaultSocketURL is the fallback origin used when CHAT_SOCKET_URL is not
// set, mirroring the build-time default of the web console.
const DefaultSocketURL = "ws://localhost:5000/ws"

// Config carries everything the terminal client needs to reach the backend.
type Config struct {
	Env       string `env:"ENV" env-default:"local"`
	APIBase   string `env:"CHAT_API_BASE" env-default:"http://localhost:5000/api/v1"`
	SocketURL string `env:"CHAT_SOCKET_URL" env-default:"ws://localhost:5000/ws"`
	Token     string `env:"CHAT_TOKEN"`
	Email     string `env:"CHAT_EMAIL"`
}

// StubConfig configures the development stub backend. Postgres and Redis are
// optional; without them the stub keeps everything in memory.
type StubConfig struct {
	Env       string `env:"ENV" env-default:"local"`
	Port      int    `env:"PORT" env-default:"5000"`
	JWTSecret string `env:"CHAT_JWT_SECRET" env-default:"dev-only-secret"`
	DBDSN     string `env:"CHAT_DB_DSN"`
	RedisAddr string `env:"REDIS_ADDR"`
}

func Load() (Config, error) {
	var cfg Config
	err := cleanenv.ReadEnv(&cfg)
	return cfg, err
}

func LoadStub() (StubConfig, error) {
	var cfg StubConfig
	err := cleanenv.ReadEnv(&cfg)
	return cfg, err
}
