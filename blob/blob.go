// Package blob guarda o conteúdo bruto das mensagens fora do banco de dados.
//
// As mensagens são endereçadas pelo próprio conteúdo: o handle é o hash
// BLAKE3 dos bytes, em hexadecimal. Gravar o mesmo conteúdo duas vezes
// devolve o mesmo handle.
package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/carloslauriano/postoffice/config"
	"github.com/spf13/afero"
	"lukechampine.com/blake3"
)

// ErrNotFound é retornado quando não existe conteúdo para o handle
var ErrNotFound = errors.New("conteúdo não encontrado")

// Store grava e lê o conteúdo bruto das mensagens
type Store interface {
	Put(ctx context.Context, raw []byte) (string, error)
	Get(ctx context.Context, handle string) ([]byte, error)
}

// Handle calcula o handle de um conteúdo
func Handle(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func validHandle(handle string) bool {
	if len(handle) != 64 {
		return false
	}
	_, err := hex.DecodeString(handle)
	return err == nil
}

// NewStore cria o blob store configurado
func NewStore(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Type {
	case "fs":
		return NewFSStore(afero.NewOsFs(), cfg.Path)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("tipo de blob store não suportado: %s", cfg.Type)
	}
}
