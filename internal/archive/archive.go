// Package archive compresses artifacts with zstd and uploads them to Azure
// Blob Storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// Ext is appended to the name of compressed artifacts.
const Ext = ".zst"

// ErrNoUploader is returned when an Archiver is built without one.
var ErrNoUploader = errors.New("archive: uploader required")

// Uploader stores one blob.
type Uploader interface {
	Upload(ctx context.Context, container, blob string, data []byte) error
}

// AzureUploader uploads through an azblob client.
type AzureUploader struct {
	client *azblob.Client
}

// NewAzureUploader connects with a storage account connection string.
func NewAzureUploader(connectionString string) (*AzureUploader, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &AzureUploader{client: client}, nil
}

// NewSharedKeyUploader connects to account with its access key.
func NewSharedKeyUploader(account, key string) (*AzureUploader, error) {
	cred, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("invalid storage credentials: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &AzureUploader{client: client}, nil
}

// Upload implements Uploader.
func (u *AzureUploader) Upload(ctx context.Context, container, blob string, data []byte) error {
	if _, err := u.client.UploadBuffer(ctx, container, blob, data, nil); err != nil {
		return fmt.Errorf("upload %s/%s: %w", container, blob, err)
	}
	return nil
}

// Compress writes the zstd encoding of r to w at level (1 fastest, 4 best).
func Compress(w io.Writer, r io.Reader, level int) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if _, err := io.Copy(enc, r); err != nil {
		_ = enc.Close()
		return fmt.Errorf("compress: %w", err)
	}
	return enc.Close()
}

// Decompress reverses Compress.
func Decompress(w io.Writer, r io.Reader) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	if _, err := io.Copy(w, dec); err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	return nil
}

// Config holds configuration for an Archiver.
type Config struct {
	Uploader  Uploader
	Container string

	// Prefix is prepended to blob names, separated by a slash.
	Prefix string

	// Level is the zstd encoder level, 1 to 4.
	// Default: 3
	Level int

	Logger zerolog.Logger
}

// Archiver uploads compressed artifacts.
type Archiver struct {
	uploader  Uploader
	container string
	prefix    string
	level     int
	logger    zerolog.Logger
}

// NewArchiver creates an archiver.
func NewArchiver(cfg Config) (*Archiver, error) {
	if cfg.Uploader == nil {
		return nil, ErrNoUploader
	}
	level := cfg.Level
	if level < int(zstd.SpeedFastest) || level > int(zstd.SpeedBestCompression) {
		level = int(zstd.SpeedBetterCompression)
	}
	return &Archiver{
		uploader:  cfg.Uploader,
		container: cfg.Container,
		prefix:    cfg.Prefix,
		level:     level,
		logger:    cfg.Logger,
	}, nil
}

// Blob is one uploaded artifact.
type Blob struct {
	Path       string
	Name       string
	Size       int64
	Compressed int
}

// Result summarizes an Archive call.
type Result struct {
	Uploaded []Blob
	Failed   int
}

// BlobName is the blob an artifact is stored under.
func (a *Archiver) BlobName(file string) string {
	name := filepath.Base(file) + Ext
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

// Archive uploads every file. Files that cannot be read or uploaded are
// logged and counted; only cancellation stops the loop.
func (a *Archiver) Archive(ctx context.Context, files []string) (*Result, error) {
	res := &Result{}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		blob, err := a.archiveOne(ctx, f)
		if err != nil {
			res.Failed++
			a.logger.Error().Err(err).Str("file", f).Msg("archive failed")
			continue
		}
		res.Uploaded = append(res.Uploaded, *blob)
		a.logger.Debug().
			Str("file", f).
			Str("blob", blob.Name).
			Int64("size", blob.Size).
			Int("compressed", blob.Compressed).
			Msg("artifact archived")
	}

	a.logger.Info().
		Str("container", a.container).
		Int("uploaded", len(res.Uploaded)).
		Int("failed", res.Failed).
		Msg("archive finished")
	return res, nil
}

func (a *Archiver) archiveOne(ctx context.Context, file string) (*Blob, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := Compress(&buf, f, a.level); err != nil {
		return nil, err
	}
	name := a.BlobName(file)
	if err := a.uploader.Upload(ctx, a.container, name, buf.Bytes()); err != nil {
		return nil, err
	}
	return &Blob{Path: file, Name: name, Size: info.Size(), Compressed: buf.Len()}, nil
}
