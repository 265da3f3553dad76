package executor

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/yeka/zip"

	"github.com/caio-sobreiro/dicomtransfer/dicom"
	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/models"
)

// checkQuota verifies the destination folder has room for incoming bytes.
// Exceeding the quota is a resource-exhaustion condition: the transfer may
// succeed later once the folder is cleaned up.
func checkQuota(folder *models.FolderNode, incoming int64) error {
	if folder.Quota <= 0 {
		return nil
	}
	used, err := treeSize(folder.Path)
	if err != nil {
		return fmt.Errorf("measure destination usage: %w", err)
	}
	if used+incoming > folder.Quota {
		return errors.NewRetriableError(errors.RetryResourceExhausted,
			fmt.Sprintf("destination quota exceeded: %s used + %s incoming > %s quota",
				humanize.Bytes(uint64(used)), humanize.Bytes(uint64(incoming)),
				humanize.Bytes(uint64(folder.Quota))), nil)
	}
	return nil
}

// classifyWriteError turns a full-disk write failure into a long-delay
// retriable error.
func classifyWriteError(err error) error {
	if stderrors.Is(err, syscall.ENOSPC) {
		return errors.NewRetriableError(errors.RetryResourceExhausted,
			"destination disk is full", err)
	}
	return err
}

// deliverFolder writes the downloaded tree under <folder>/<destName>,
// applying the modifier to each file on the way.
func (e *Executor) deliverFolder(folder *models.FolderNode, workDir, destName string, modifier *dicom.Modifier) error {
	paths, err := collectFiles(workDir)
	if err != nil {
		return err
	}
	rels, err := relPathsUnder(workDir, paths)
	if err != nil {
		return err
	}

	incoming, err := treeSize(workDir)
	if err != nil {
		return err
	}
	if err := checkQuota(folder, incoming); err != nil {
		return err
	}

	root := filepath.Join(folder.Path, destName)
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		data, err = rewriteFile(data, modifier)
		if err != nil {
			return fmt.Errorf("%s: %w", rels[i], err)
		}

		target := filepath.Join(root, sanitizeRel(rels[i]))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return classifyWriteError(err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return classifyWriteError(err)
		}
	}

	e.logger.Info("delivered to folder", "path", root, "files", len(paths),
		"size", humanize.Bytes(uint64(incoming)))
	return nil
}

// deliverArchive adds the downloaded tree to a password-protected archive at
// <folder>/<destName>.zip, entries AES encrypted. An existing archive is
// re-written with its previous entries preserved, so repeated deliveries
// accumulate instead of clobbering.
func (e *Executor) deliverArchive(folder *models.FolderNode, workDir, destName string, modifier *dicom.Modifier) error {
	paths, err := collectFiles(workDir)
	if err != nil {
		return err
	}
	rels, err := relPathsUnder(workDir, paths)
	if err != nil {
		return err
	}

	incoming, err := treeSize(workDir)
	if err != nil {
		return err
	}
	if err := checkQuota(folder, incoming); err != nil {
		return err
	}

	if err := os.MkdirAll(folder.Path, 0o755); err != nil {
		return classifyWriteError(err)
	}

	archivePath := filepath.Join(folder.Path, destName+".zip")
	tmpPath := archivePath + ".tmp"

	out, err := os.Create(tmpPath)
	if err != nil {
		return classifyWriteError(err)
	}
	defer os.Remove(tmpPath)

	zw := zip.NewWriter(out)
	password := folder.ArchivePassword

	if err := copyExistingEntries(zw, archivePath, password); err != nil {
		zw.Close()
		out.Close()
		return err
	}

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			zw.Close()
			out.Close()
			return fmt.Errorf("read %s: %w", path, err)
		}
		data, err = rewriteFile(data, modifier)
		if err != nil {
			zw.Close()
			out.Close()
			return fmt.Errorf("%s: %w", rels[i], err)
		}

		name := destName + "/" + filepath.ToSlash(sanitizeRel(rels[i]))
		w, err := zw.Encrypt(name, password, zip.AES256Encryption)
		if err != nil {
			zw.Close()
			out.Close()
			return fmt.Errorf("add archive entry %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			zw.Close()
			out.Close()
			return classifyWriteError(err)
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return classifyWriteError(err)
	}
	if err := out.Close(); err != nil {
		return classifyWriteError(err)
	}
	if err := os.Rename(tmpPath, archivePath); err != nil {
		return classifyWriteError(err)
	}

	e.logger.Info("delivered to archive", "archive", archivePath, "files", len(paths),
		"size", humanize.Bytes(uint64(incoming)))
	return nil
}

// copyExistingEntries re-encrypts the entries of an existing archive into
// the writer. Missing archive means a fresh one.
func copyExistingEntries(zw *zip.Writer, archivePath, password string) error {
	reader, err := zip.OpenReader(archivePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open existing archive: %w", err)
	}
	defer reader.Close()

	for _, entry := range reader.File {
		if entry.IsEncrypted() {
			entry.SetPassword(password)
		}
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("read archive entry %s: %w", entry.Name, err)
		}
		w, err := zw.Encrypt(entry.Name, password, zip.AES256Encryption)
		if err != nil {
			rc.Close()
			return fmt.Errorf("keep archive entry %s: %w", entry.Name, err)
		}
		if _, err := io.Copy(w, rc); err != nil {
			rc.Close()
			return fmt.Errorf("copy archive entry %s: %w", entry.Name, err)
		}
		rc.Close()
	}
	return nil
}
