package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// UploadedFile is one file of an upload batch, in submission order
type UploadedFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// DocumentAnalysis is the duplicate verdict for one uploaded file
type DocumentAnalysis struct {
	Hash             string `json:"hash"`
	IsDuplicate      bool   `json:"is_duplicate"`
	DuplicateInBatch bool   `json:"duplicate_in_batch"`
	DuplicateOf      string `json:"duplicate_of,omitempty"` // earlier filename in the batch
	ExistingExpense  string `json:"existing_expense,omitempty"`
}

// BatchAnalysis maps filename to its analysis. A filename repeated in the
// batch is keyed "name (2)", "name (3)", in submission order.
type BatchAnalysis map[string]DocumentAnalysis

func (b BatchAnalysis) key(filename string) string {
	if _, taken := b[filename]; !taken {
		return filename
	}
	for n := 2; ; n++ {
		k := fmt.Sprintf("%s (%d)", filename, n)
		if _, taken := b[k]; !taken {
			return k
		}
	}
}

// Fingerprint returns the hex SHA-256 digest of the file content
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprinter detects duplicate justification uploads. It never writes.
type Fingerprinter struct {
	db DB
}

// NewFingerprinter creates a Fingerprinter reading stored expenses from db
func NewFingerprinter(db DB) *Fingerprinter {
	return &Fingerprinter{db: db}
}

// knownHashes maps every stored document hash of the club to its expense
func (f *Fingerprinter) knownHashes(clubID string) (map[string]string, error) {
	expenses, err := f.db.ListExpenses(clubID)
	if err != nil {
		return nil, fmt.Errorf("listing expenses: %w", err)
	}
	sortExpenses(expenses)

	hashes := make(map[string]string)
	for _, e := range expenses {
		for _, doc := range e.Documents {
			if doc.Hash == "" {
				continue
			}
			if _, seen := hashes[doc.Hash]; !seen {
				hashes[doc.Hash] = e.ID
			}
		}
	}
	return hashes, nil
}

// AnalyzeBatch fingerprints files in submission order. The first file with a
// given content is never flagged as a batch duplicate, only later ones are.
func (f *Fingerprinter) AnalyzeBatch(clubID string, files []UploadedFile) (BatchAnalysis, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}

	known, err := f.knownHashes(clubID)
	if err != nil {
		return nil, err
	}

	analysis := make(BatchAnalysis, len(files))
	firstSeen := make(map[string]string, len(files))
	for _, file := range files {
		name := analysis.key(file.Filename)
		hash := Fingerprint(file.Data)
		result := DocumentAnalysis{Hash: hash}

		if expenseID, ok := known[hash]; ok {
			result.IsDuplicate = true
			result.ExistingExpense = expenseID
		}
		if earlier, ok := firstSeen[hash]; ok {
			result.DuplicateInBatch = true
			result.DuplicateOf = earlier
		} else {
			firstSeen[hash] = name
		}

		analysis[name] = result
	}
	return analysis, nil
}
