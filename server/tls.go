package server

import (
	"crypto/tls"
	"fmt"

	"github.com/carloslauriano/postoffice/config"
)

// LoadTLSConfig carrega o certificado usado por STARTTLS e pelas portas TLS.
// Sem certificado configurado retorna nil, e os servidores operam só em texto.
func LoadTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("falha ao carregar certificado TLS: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
