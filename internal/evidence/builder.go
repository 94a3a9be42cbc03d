package evidence

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/osiriscare/compliance-agent/internal/identity"
	"github.com/osiriscare/compliance-agent/internal/queue"
	"github.com/osiriscare/compliance-agent/internal/signer"
)

// Builder constructs, signs, chains, and persists EvidenceBundles.
type Builder struct {
	identity      identity.SiteIdentity
	policyVersion string
	root          string
	signer        *signer.Signer
	queue         *queue.Queue

	lastHash [32]byte
	haveLast bool
}

// NewBuilder wires a Builder to the process's identity, evidence root
// directory, signing key, and offline queue.
func NewBuilder(id identity.SiteIdentity, policyVersion, root string, sgn *signer.Signer, q *queue.Queue) *Builder {
	return &Builder{identity: id, policyVersion: policyVersion, root: root, signer: sgn, queue: q}
}

// Build finalizes a bundle: fills identity/policy fields, computes the
// hash chain pointer, and returns the bundle ready for signing.
func (b *Builder) Build(partial Bundle) (Bundle, error) {
	bundle := partial
	if bundle.BundleID == "" {
		bundle.BundleID = uuid.NewString()
	}
	bundle.SiteID = b.identity.SiteID
	bundle.HostID = b.identity.HostID
	bundle.DeploymentMode = b.identity.DeploymentMode
	bundle.ResellerID = b.identity.ResellerID
	bundle.PolicyVersion = b.policyVersion

	if b.haveLast {
		bundle.PreviousBundleHash = hex.EncodeToString(b.lastHash[:])
	} else {
		bundle.PreviousBundleHash = hex.EncodeToString(signer.ZeroHash[:])
	}

	if err := bundle.Validate(); err != nil {
		return Bundle{}, err
	}
	return bundle, nil
}

// SignAndPersist canonicalizes and signs the bundle, writes
// bundle.json/bundle.sig atomically in the date-partitioned layout, and
// enqueues it for upload. The builder's chain pointer is advanced only
// after a successful persist, so a persistence failure never breaks the
// chain for the next bundle.
func (b *Builder) SignAndPersist(bundle Bundle) error {
	canonical, signature, err := b.signer.SignCanonical(bundle)
	if err != nil {
		return fmt.Errorf("evidence: sign bundle %s: %w", bundle.BundleID, err)
	}

	dir := b.partitionDir(bundle.TimestampStart, bundle.BundleID)
	bundlePath := filepath.Join(dir, "bundle.json")
	sigPath := filepath.Join(dir, "bundle.sig")

	if err := writeAtomic(bundlePath, canonical, 0o644); err != nil {
		return fmt.Errorf("evidence: persist bundle %s: %w", bundle.BundleID, err)
	}
	if err := writeAtomic(sigPath, signature, 0o644); err != nil {
		return fmt.Errorf("evidence: persist signature %s: %w", bundle.BundleID, err)
	}

	b.lastHash = signer.ContentHash(canonical)
	b.haveLast = true

	if b.queue != nil {
		if err := b.queue.Enqueue(bundle.BundleID, bundlePath, sigPath, bundle.Check); err != nil {
			return fmt.Errorf("evidence: enqueue bundle %s: %w", bundle.BundleID, err)
		}
	}
	return nil
}

func (b *Builder) partitionDir(ts time.Time, bundleID string) string {
	ts = ts.UTC()
	return filepath.Join(b.root,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()),
		bundleID)
}

// writeAtomic writes data to a temp file in the same directory as path
// and renames it into place, so a reader can never observe a partial
// bundle.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Prune applies the evidence retention policy: the stricter of
// retentionDays/retentionDaysMinimum, always keeping keepLastN most
// recent successful bundles per check kind, and never touching an
// unuploaded row (delegated to the Offline Queue, which is the only
// owner of QueuedEvidence rows).
func (b *Builder) Prune(retentionDays, retentionDaysMinimum, keepLastN int) (int64, error) {
	if b.queue == nil {
		return 0, nil
	}
	return b.queue.Prune(retentionDays, retentionDaysMinimum, keepLastN)
}
