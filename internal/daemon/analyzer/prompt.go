package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/pkg/models"
)

var (
	htmlCommentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

// NormalizePrompt canonicalizes prompt text before hashing so that edits
// with no semantic weight (reflowing, trailing spaces, editorial comments)
// do not mint a new version.
func NormalizePrompt(content string) string {
	content = htmlCommentRe.ReplaceAllString(content, " ")
	content = whitespaceRe.ReplaceAllString(content, " ")
	return strings.TrimSpace(content)
}

// PromptHash returns the full hex SHA-256 of the normalized prompt.
func PromptHash(content string) string {
	sum := sha256.Sum256([]byte(NormalizePrompt(content)))
	return hex.EncodeToString(sum[:])
}

// CurrentVersion resolves the prompt file on disk to its version record,
// creating the record and an archived copy when the content is new.
func (i *Invoker) CurrentVersion(ctx context.Context) (*models.PromptVersion, error) {
	i.promptMu.Lock()
	defer i.promptMu.Unlock()

	raw, err := os.ReadFile(i.cfg.PromptFile())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigNotFound,
			"analyzer prompt file not readable: "+i.cfg.PromptFile())
	}
	hash := PromptHash(string(raw))

	if i.cachedVersion != nil && i.cachedVersion.ContentHash == hash {
		return i.cachedVersion, nil
	}

	pv, err := i.store.PromptVersionByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if pv == nil {
		pv, err = i.store.InsertPromptVersion(ctx, hash, "")
		if err != nil {
			return nil, err
		}
		if archived, archiveErr := i.archivePrompt(pv.VersionLabel, raw); archiveErr != nil {
			i.logger.WithError(archiveErr).Warn("Failed to archive prompt version")
		} else {
			pv.ArchivedPath = archived
			if err := i.store.SetPromptVersionArchived(ctx, pv.VersionLabel, archived); err != nil {
				i.logger.WithError(err).Warn("Failed to record prompt archive path")
			}
		}
		i.logger.WithField("version", pv.VersionLabel).Info("Registered new analyzer prompt version")
	}

	i.cachedVersion = pv
	return pv, nil
}

// CurrentVersionLabel is the extractor-facing form of CurrentVersion.
func (i *Invoker) CurrentVersionLabel(ctx context.Context) (string, error) {
	pv, err := i.CurrentVersion(ctx)
	if err != nil {
		return "", err
	}
	return pv.VersionLabel, nil
}

// Bump re-reads the prompt file, registers its version if unseen, and logs
// the operator's reason into the decision trail. Used by `brain prompt bump`.
func (i *Invoker) Bump(ctx context.Context, reason string) (*models.PromptVersion, error) {
	pv, err := i.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		if _, err := i.store.RecordDecision(ctx,
			fmt.Sprintf("prompt version %s active", pv.VersionLabel), reason, ""); err != nil {
			i.logger.WithError(err).Warn("Failed to record prompt bump decision")
		}
	}
	return pv, nil
}

func (i *Invoker) archivePrompt(versionLabel string, raw []byte) (string, error) {
	dir := i.cfg.PromptHistoryRoot()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create prompt history directory: %w", err)
	}
	path := filepath.Join(dir,
		fmt.Sprintf("%s-%s.md", versionLabel, time.Now().UTC().Format("2006-01-02")))
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", fmt.Errorf("failed to archive prompt: %w", err)
	}
	return path, nil
}
