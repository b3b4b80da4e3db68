package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// FSStore guarda cada mensagem em um arquivo sob um diretório base,
// agrupado pelos dois primeiros caracteres do handle
type FSStore struct {
	fs afero.Fs
}

// NewFSStore cria um FSStore com raiz em dir
func NewFSStore(fs afero.Fs, dir string) (*FSStore, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("falha ao criar diretório de mensagens: %w", err)
	}
	return &FSStore{fs: afero.NewBasePathFs(fs, dir)}, nil
}

func (s *FSStore) path(handle string) string {
	return filepath.Join(handle[:2], handle)
}

// Put grava o conteúdo e retorna o handle
func (s *FSStore) Put(_ context.Context, raw []byte) (string, error) {
	handle := Handle(raw)
	p := s.path(handle)

	exists, err := afero.Exists(s.fs, p)
	if err != nil {
		return "", fmt.Errorf("falha ao verificar mensagem: %w", err)
	}
	if exists {
		return handle, nil
	}

	if err := s.fs.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("falha ao criar diretório: %w", err)
	}
	// Escreve em arquivo temporário e renomeia para não expor conteúdo parcial
	tmp := p + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, raw, 0644); err != nil {
		return "", fmt.Errorf("falha ao gravar mensagem: %w", err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		s.fs.Remove(tmp)
		return "", fmt.Errorf("falha ao gravar mensagem: %w", err)
	}
	return handle, nil
}

// Get lê o conteúdo de um handle
func (s *FSStore) Get(_ context.Context, handle string) ([]byte, error) {
	if !validHandle(handle) {
		return nil, ErrNotFound
	}
	raw, err := afero.ReadFile(s.fs, s.path(handle))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("falha ao ler mensagem: %w", err)
	}
	return raw, nil
}
