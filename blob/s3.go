package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/carloslauriano/postoffice/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store guarda as mensagens em um bucket compatível com S3
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store conecta ao endpoint e garante que o bucket existe
func NewS3Store(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("falha ao criar cliente S3: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("falha ao verificar bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("falha ao criar bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func objectKey(handle string) string {
	return handle[:2] + "/" + handle
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode == http.StatusNotFound
	}
	return false
}

// Put grava o conteúdo e retorna o handle
func (s *S3Store) Put(ctx context.Context, raw []byte) (string, error) {
	handle := Handle(raw)
	key := objectKey(handle)

	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return handle, nil
	} else if !isNotFound(err) {
		return "", fmt.Errorf("falha ao verificar objeto %s: %w", key, err)
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(raw), int64(len(raw)),
		minio.PutObjectOptions{ContentType: "message/rfc822", SendContentMd5: true})
	if err != nil {
		return "", fmt.Errorf("falha ao enviar objeto %s: %w", key, err)
	}
	return handle, nil
}

// Get lê o conteúdo de um handle
func (s *S3Store) Get(ctx context.Context, handle string) ([]byte, error) {
	if !validHandle(handle) {
		return nil, ErrNotFound
	}
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(handle), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("falha ao obter objeto: %w", err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("falha ao ler objeto: %w", err)
	}
	return raw, nil
}
