package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carloslauriano/postoffice/blob"
	"github.com/carloslauriano/postoffice/config"
	"github.com/carloslauriano/postoffice/logger"
	"github.com/carloslauriano/postoffice/mailstore"
	"github.com/carloslauriano/postoffice/metrics"
	"github.com/carloslauriano/postoffice/relay"
	"github.com/carloslauriano/postoffice/server"
	"github.com/carloslauriano/postoffice/storage"
)

const adminUsername = "admin"

func main() {
	configPath := flag.String("config", "config.yaml", "arquivo de configuração")
	addUser := flag.String("add-user", "", "cria o usuário informado e sai")
	password := flag.String("password", "", "senha do usuário criado com -add-user")
	flag.Parse()

	// Carregar configuração
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Erro ao carregar configuração: %v", err)
	}
	if err := logger.Initialize(cfg.Logging); err != nil {
		log.Fatalf("Erro ao configurar logs: %v", err)
	}

	// Inicializar armazenamento
	store, err := storage.NewStorage(cfg)
	if err != nil {
		log.Fatalf("Erro ao inicializar armazenamento: %v", err)
	}
	if err := store.Open(); err != nil {
		log.Fatalf("Erro ao abrir armazenamento: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	repo := mailstore.New(store, cfg.Server.Host)

	if *addUser != "" {
		if *password == "" {
			log.Fatalf("Informe a senha com -password")
		}
		user, err := repo.CreateUser(ctx, *addUser, *password, mailstore.Details{Name: *addUser})
		if err != nil {
			log.Fatalf("Erro ao criar usuário: %v", err)
		}
		fmt.Printf("Usuário %s@%s criado\n", user.Username, cfg.Server.Host)
		return
	}

	if err := bootstrapAdmin(ctx, repo); err != nil {
		log.Fatalf("Erro ao preparar administrador: %v", err)
	}

	blobs, err := blob.NewStore(ctx, cfg.Blob)
	if err != nil {
		log.Fatalf("Erro ao inicializar blob store: %v", err)
	}

	tlsConfig, err := server.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("Erro ao carregar TLS: %v", err)
	}

	queue, err := relay.NewQueue(cfg.Relay.Queue)
	if err != nil {
		log.Fatalf("Erro ao inicializar fila de saída: %v", err)
	}
	relayer := relay.New(relay.Options{
		Host:        cfg.Server.Host,
		Ports:       cfg.Relay.Ports,
		SendTimeout: cfg.Relay.SendTimeout,
		Concurrency: cfg.Relay.Concurrency,
		Backoff:     relayBackoff(cfg.Relay.Queue),
	}, relay.Deps{
		Resolver: net.DefaultResolver,
		Prober:   relay.DialProber{Timeout: cfg.Relay.ProbeTimeout},
		Transport: &relay.SMTPTransport{
			LocalName: cfg.Server.Host,
			TLSConfig: &tls.Config{InsecureSkipVerify: cfg.Relay.InsecureSkipVerify},
		},
		Blobs:   blobs,
		Queue:   queue,
		Bouncer: &relay.LocalBouncer{Repo: repo, Blobs: blobs},
	})
	worker := relay.NewWorker(queue, relayer, relay.WorkerOptions{
		Interval:    cfg.Relay.Queue.Interval,
		MaxAttempts: cfg.Relay.Queue.MaxAttempts,
		Backoff:     relayBackoff(cfg.Relay.Queue),
	})
	worker.Start(ctx)
	defer worker.Stop()

	smtpBackend := server.NewSMTPBackend(repo, blobs, relayer, cfg.SMTP.MaxMessageBytes)
	smtpServer := server.NewSMTPServer(cfg, smtpBackend, tlsConfig)
	imapServer := server.NewIMAPServer(cfg, server.NewIMAPBackend(repo, tlsConfig, cfg.IMAP.AllowInsecureAuth))

	// Iniciar servidores em goroutines separadas
	errs := make(chan error, 3)

	go func() {
		if err := smtpServer.ListenAndServe(); err != nil {
			errs <- fmt.Errorf("smtp: %w", err)
		}
	}()

	go func() {
		if err := imapServer.ListenAndServe(); err != nil {
			errs <- fmt.Errorf("imap: %w", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           metrics.NewRouter(func() error { return repo.Ping(context.Background()) }),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Iniciando servidor de métricas", "addr", cfg.Metrics.Address)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}

	// Aguardar sinais de interrupção. SIGUSR1 força uma passada da fila.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	for running := true; running; {
		select {
		case err := <-errs:
			logger.Error("Erro no servidor", "error", err)
			running = false
		case sig := <-sigChan:
			if sig == syscall.SIGUSR1 {
				logger.Info("Reprocessando fila de saída")
				worker.Notify()
				continue
			}
			logger.Info("Recebido sinal, encerrando", "signal", sig.String())
			running = false
		}
	}

	if err := imapServer.Close(); err != nil {
		logger.Warn("Erro ao encerrar IMAP", "error", err)
	}
	if err := smtpServer.Close(); err != nil {
		logger.Warn("Erro ao encerrar SMTP", "error", err)
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}

func relayBackoff(cfg config.QueueConfig) relay.Backoff {
	return relay.Backoff{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff, Multiplier: 2}
}

// bootstrapAdmin cria o usuário admin na primeira execução e mostra a senha
// gerada uma única vez
func bootstrapAdmin(ctx context.Context, repo *mailstore.Repository) error {
	_, err := repo.GetUserByUsername(ctx, adminUsername)
	if err == nil {
		return nil
	}
	if !errors.Is(err, mailstore.ErrUserNotFound) {
		return err
	}

	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("falha ao gerar senha: %w", err)
	}
	password := base64.RawURLEncoding.EncodeToString(buf)

	if _, err := repo.CreateUser(ctx, adminUsername, password, mailstore.Details{Name: "Administrador", Role: storage.RoleAdmin}); err != nil {
		return err
	}
	logger.Info("Usuário administrador criado", "username", adminUsername)
	fmt.Printf("Senha inicial do administrador: %s\n", password)
	return nil
}
