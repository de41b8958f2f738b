package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/Rudd3r/lisrc/pkg/domain"
)

// CopyResult describes a finished upload.
type CopyResult struct {
	Destination string
	// Skipped is set when the destination already had identical content.
	Skipped bool
	Bytes   int64
}

// Copy uploads localPath into remoteDir under its base name. The upload is
// skipped when the remote file already has the same content. Every failure is
// a *domain.TransferFailedError; nothing is retried.
func (m *Manager) Copy(ctx context.Context, localPath, remoteDir string) (*CopyResult, error) {
	destination := path.Join(remoteDir, filepath.Base(localPath))
	fail := func(err error) error {
		m.log.Error("file transfer failed", "source", localPath, "destination", destination, "error", err)
		return &domain.TransferFailedError{Source: localPath, Destination: destination, Err: err}
	}

	srcFile, err := os.Open(localPath)
	if err != nil {
		return nil, fail(fmt.Errorf("failed to open source file: %w", err))
	}
	defer func() { _ = srcFile.Close() }()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return nil, fail(fmt.Errorf("failed to stat source file: %w", err))
	}
	if srcInfo.IsDir() {
		return nil, fail(fmt.Errorf("source is a directory"))
	}

	transfer, err := onConn(ctx, m, func(c Conn) (FileTransfer, error) {
		return c.OpenFileTransfer()
	})
	if err != nil {
		return nil, fail(err)
	}
	defer func() { _ = transfer.Close() }()

	if err = transfer.MkdirAll(remoteDir); err != nil {
		return nil, fail(fmt.Errorf("failed to create remote directory %s: %w", remoteDir, err))
	}

	upToDate, err := m.isUpToDate(transfer, srcFile, srcInfo.Size(), destination)
	if err != nil {
		return nil, fail(err)
	}
	if upToDate {
		m.log.Info("remote file is up to date, skipping upload", "source", localPath, "destination", destination)
		return &CopyResult{Destination: destination, Skipped: true}, nil
	}

	if _, err = srcFile.Seek(0, io.SeekStart); err != nil {
		return nil, fail(fmt.Errorf("failed to rewind source file: %w", err))
	}
	dstFile, err := transfer.Create(destination)
	if err != nil {
		return nil, fail(fmt.Errorf("failed to create destination file: %w", err))
	}
	n, err := io.Copy(dstFile, srcFile)
	if closeErr := dstFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fail(fmt.Errorf("failed to copy file: %w", err))
	}

	m.log.Info("copied file", "source", localPath, "destination", destination, "size", domain.FormatSizeBytes(n))
	return &CopyResult{Destination: destination, Bytes: n}, nil
}

// isUpToDate compares sizes first and content hashes second. A missing or
// unreadable destination is simply out of date.
func (m *Manager) isUpToDate(transfer FileTransfer, src io.Reader, size int64, destination string) (bool, error) {
	dstInfo, err := transfer.Stat(destination)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.log.Debug("cannot stat destination", "destination", destination, "error", err)
		}
		return false, nil
	}
	if dstInfo.IsDir() || dstInfo.Size() != size {
		return false, nil
	}

	srcSum, err := sha256Sum(src)
	if err != nil {
		return false, fmt.Errorf("failed to hash source file: %w", err)
	}

	dstFile, err := transfer.Open(destination)
	if err != nil {
		m.log.Debug("cannot open destination", "destination", destination, "error", err)
		return false, nil
	}
	defer func() { _ = dstFile.Close() }()
	dstSum, err := sha256Sum(dstFile)
	if err != nil {
		m.log.Debug("cannot read destination", "destination", destination, "error", err)
		return false, nil
	}
	return bytes.Equal(srcSum, dstSum), nil
}

func sha256Sum(r io.Reader) ([]byte, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
