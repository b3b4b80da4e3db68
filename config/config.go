package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config representa a configuração global do sistema
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Blob     BlobConfig     `mapstructure:"blob"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	IMAP     IMAPConfig     `mapstructure:"imap"`
	TLS      TLSConfig      `mapstructure:"tls"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig contém o domínio de correio local atendido pelo servidor
type ServerConfig struct {
	Host string `mapstructure:"host"`
}

// DatabaseConfig representa a configuração do banco de dados
type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // "sqlite", "postgres" ou "memory"
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"` // Para SQLite
}

// BlobConfig define onde os bytes brutos das mensagens são guardados
type BlobConfig struct {
	Type string   `mapstructure:"type"` // "fs" ou "s3"
	Path string   `mapstructure:"path"`
	S3   S3Config `mapstructure:"s3"`
}

// S3Config representa um bucket compatível com S3
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// SMTPConfig representa a configuração do servidor SMTP
type SMTPConfig struct {
	Address           string        `mapstructure:"address"`
	Ports             []int         `mapstructure:"ports"`
	TLSPorts          []int         `mapstructure:"tls_ports"`
	AllowInsecureAuth bool          `mapstructure:"allow_insecure_auth"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes"`
	MaxRecipients     int           `mapstructure:"max_recipients"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

// IMAPConfig representa a configuração do servidor IMAP
type IMAPConfig struct {
	Address           string `mapstructure:"address"`
	Ports             []int  `mapstructure:"ports"`
	TLSPorts          []int  `mapstructure:"tls_ports"`
	AllowInsecureAuth bool   `mapstructure:"allow_insecure_auth"`
}

// TLSConfig aponta para o certificado usado por STARTTLS e pelas portas TLS
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Enabled indica se há certificado configurado
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// RelayConfig controla a entrega para domínios remotos
type RelayConfig struct {
	Ports              []int         `mapstructure:"ports"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`
	SendTimeout        time.Duration `mapstructure:"send_timeout"`
	Concurrency        int           `mapstructure:"concurrency"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Queue              QueueConfig   `mapstructure:"queue"`
}

// QueueConfig representa a fila de saída para reenvios
type QueueConfig struct {
	Type           string        `mapstructure:"type"` // "memory" ou "redis"
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"`
	RedisDB        int           `mapstructure:"redis_db"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
	Interval       time.Duration `mapstructure:"interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// LoggingConfig representa a configuração de logs
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console ou json
}

// MetricsConfig representa o endpoint HTTP de métricas
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

var cfg *Config

// setDefaults registra os valores padrão no viper
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "data/postoffice.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("blob.type", "fs")
	v.SetDefault("blob.path", "data/messages")

	v.SetDefault("smtp.address", "0.0.0.0")
	v.SetDefault("smtp.ports", []int{25, 587})
	v.SetDefault("smtp.tls_ports", []int{465})
	v.SetDefault("smtp.allow_insecure_auth", true)
	v.SetDefault("smtp.max_message_bytes", 10*1024*1024)
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.read_timeout", 30*time.Second)
	v.SetDefault("smtp.write_timeout", 30*time.Second)

	v.SetDefault("imap.address", "0.0.0.0")
	v.SetDefault("imap.ports", []int{143})
	v.SetDefault("imap.tls_ports", []int{993})
	v.SetDefault("imap.allow_insecure_auth", true)

	v.SetDefault("relay.ports", []int{587, 465, 25})
	v.SetDefault("relay.probe_timeout", 5*time.Second)
	v.SetDefault("relay.send_timeout", 2*time.Minute)
	v.SetDefault("relay.concurrency", 8)
	v.SetDefault("relay.queue.type", "memory")
	v.SetDefault("relay.queue.key_prefix", "postoffice:relay")
	v.SetDefault("relay.queue.interval", time.Minute)
	v.SetDefault("relay.queue.max_attempts", 8)
	v.SetDefault("relay.queue.initial_backoff", time.Minute)
	v.SetDefault("relay.queue.max_backoff", 6*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", "127.0.0.1:9090")
}

// LoadConfig carrega configurações do arquivo config.yaml
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		// Usar diretório atual se nenhum caminho for fornecido
		dir, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("POSTOFFICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("erro ao ler arquivo de configuração: %w", err)
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("erro ao processar configuração: %w", err)
	}

	if err := loaded.Validate(); err != nil {
		return nil, err
	}

	cfg = loaded
	return cfg, nil
}

// Default devolve uma configuração apenas com os valores padrão
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	c := &Config{}
	// Os padrões são sempre decodificáveis
	_ = v.Unmarshal(c)
	return c
}

// Validate verifica combinações inválidas de configuração
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Host) == "" {
		return errors.New("server.host é obrigatório")
	}

	switch c.Database.Type {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("tipo de banco de dados não suportado: %s", c.Database.Type)
	}

	switch c.Blob.Type {
	case "fs":
		if c.Blob.Path == "" {
			return errors.New("blob.path é obrigatório para o tipo fs")
		}
	case "s3":
		if c.Blob.S3.Endpoint == "" || c.Blob.S3.Bucket == "" {
			return errors.New("blob.s3.endpoint e blob.s3.bucket são obrigatórios")
		}
	default:
		return fmt.Errorf("tipo de armazenamento de mensagens não suportado: %s", c.Blob.Type)
	}

	switch c.Relay.Queue.Type {
	case "memory":
	case "redis":
		if c.Relay.Queue.RedisAddr == "" {
			return errors.New("relay.queue.redis_addr é obrigatório para a fila redis")
		}
	default:
		return fmt.Errorf("tipo de fila não suportado: %s", c.Relay.Queue.Type)
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.cert_file e tls.key_file devem ser informados juntos")
	}

	return nil
}

// GetConfig retorna a configuração atual
func GetConfig() *Config {
	return cfg
}
