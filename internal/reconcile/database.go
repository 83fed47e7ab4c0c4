package reconcile

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Every club gets its own nested bucket under clubsBucket holding one bucket per collection.
const (
	clubsBucket        = "clubs"
	transactionsBucket = "transactions"
	expensesBucket     = "expenses"
	matchesBucket      = "ai_matches"
	categoriesBucket   = "categories"
)

var clubCollections = []string{transactionsBucket, expensesBucket, matchesBucket, categoriesBucket}

// ClubTx is a read-write view of one club inside a single atomic write
type ClubTx interface {
	GetTransaction(id string) (*Transaction, error)
	PutTransaction(t *Transaction) error
	GetExpense(id string) (*Expense, error)
	PutExpense(e *Expense) error
	GetMatch(id string) (*AIMatch, error)
	PutMatch(m *AIMatch) error
	ListMatches() ([]*AIMatch, error)
}

// DB defines the interface for database operations
type DB interface {
	SaveTransaction(clubID string, t *Transaction) error
	GetTransaction(clubID, id string) (*Transaction, error)
	ListTransactions(clubID string) ([]*Transaction, error)

	SaveExpense(clubID string, e *Expense) error
	GetExpense(clubID, id string) (*Expense, error)
	ListExpenses(clubID string) ([]*Expense, error)
	DeleteExpense(clubID, id string) error

	GetMatch(clubID, id string) (*AIMatch, error)
	ListMatches(clubID string) ([]*AIMatch, error)

	SaveCategories(clubID string, categories []Category) error
	ListCategories(clubID string) ([]Category, error)

	// Update runs fn in one write transaction; nothing is persisted if fn fails
	Update(clubID string, fn func(ClubTx) error) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(clubsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// collection returns a club collection bucket for reading; nil when the club has no data yet
func collection(tx *bbolt.Tx, clubID, name string) *bbolt.Bucket {
	club := tx.Bucket([]byte(clubsBucket)).Bucket([]byte(clubID))
	if club == nil {
		return nil
	}
	return club.Bucket([]byte(name))
}

func getRecord[T any](b *bbolt.Bucket, kind, id string) (*T, error) {
	var data []byte
	if b != nil {
		data = b.Get([]byte(id))
	}
	if data == nil {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshaling %s %s: %w", kind, id, err)
	}
	return &v, nil
}

func putRecord(b *bbolt.Bucket, kind, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", kind, err)
	}
	return b.Put([]byte(id), data)
}

func listRecords[T any](b *bbolt.Bucket, kind string) ([]*T, error) {
	records := make([]*T, 0)
	if b == nil {
		return records, nil
	}
	err := b.ForEach(func(k, v []byte) error {
		var record T
		if err := json.Unmarshal(v, &record); err != nil {
			return fmt.Errorf("unmarshaling %s %s: %w", kind, k, err)
		}
		records = append(records, &record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// boltClubTx implements ClubTx on an open write transaction
type boltClubTx struct {
	buckets map[string]*bbolt.Bucket
}

func (c *boltClubTx) GetTransaction(id string) (*Transaction, error) {
	return getRecord[Transaction](c.buckets[transactionsBucket], "transaction", id)
}

func (c *boltClubTx) PutTransaction(t *Transaction) error {
	return putRecord(c.buckets[transactionsBucket], "transaction", t.ID, t)
}

func (c *boltClubTx) GetExpense(id string) (*Expense, error) {
	return getRecord[Expense](c.buckets[expensesBucket], "expense", id)
}

func (c *boltClubTx) PutExpense(e *Expense) error {
	e.SchemaVersion = ExpenseSchemaVersion
	return putRecord(c.buckets[expensesBucket], "expense", e.ID, e)
}

func (c *boltClubTx) GetMatch(id string) (*AIMatch, error) {
	return getRecord[AIMatch](c.buckets[matchesBucket], "ai match", id)
}

func (c *boltClubTx) PutMatch(m *AIMatch) error {
	return putRecord(c.buckets[matchesBucket], "ai match", m.ID, m)
}

func (c *boltClubTx) ListMatches() ([]*AIMatch, error) {
	return listRecords[AIMatch](c.buckets[matchesBucket], "ai match")
}

// Update runs fn against the club's buckets inside a single bbolt write transaction
func (b *BoltDB) Update(clubID string, fn func(ClubTx) error) error {
	if clubID == "" {
		return ErrMissingClub
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		club, err := tx.Bucket([]byte(clubsBucket)).CreateBucketIfNotExists([]byte(clubID))
		if err != nil {
			return fmt.Errorf("creating club bucket: %w", err)
		}
		buckets := make(map[string]*bbolt.Bucket, len(clubCollections))
		for _, name := range clubCollections {
			bucket, err := club.CreateBucketIfNotExists([]byte(name))
			if err != nil {
				return fmt.Errorf("creating %s bucket: %w", name, err)
			}
			buckets[name] = bucket
		}
		return fn(&boltClubTx{buckets: buckets})
	})
}

// SaveTransaction saves a transaction to the database
func (b *BoltDB) SaveTransaction(clubID string, t *Transaction) error {
	return b.Update(clubID, func(tx ClubTx) error {
		return tx.PutTransaction(t)
	})
}

// GetTransaction retrieves a transaction by ID
func (b *BoltDB) GetTransaction(clubID, id string) (*Transaction, error) {
	var t *Transaction
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		t, err = getRecord[Transaction](collection(tx, clubID, transactionsBucket), "transaction", id)
		return err
	})
	return t, err
}

// ListTransactions returns all transactions of a club
func (b *BoltDB) ListTransactions(clubID string) ([]*Transaction, error) {
	var list []*Transaction
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		list, err = listRecords[Transaction](collection(tx, clubID, transactionsBucket), "transaction")
		return err
	})
	return list, err
}

// SaveExpense saves an expense to the database
func (b *BoltDB) SaveExpense(clubID string, e *Expense) error {
	return b.Update(clubID, func(tx ClubTx) error {
		return tx.PutExpense(e)
	})
}

// GetExpense retrieves an expense by ID
func (b *BoltDB) GetExpense(clubID, id string) (*Expense, error) {
	var e *Expense
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		e, err = getRecord[Expense](collection(tx, clubID, expensesBucket), "expense", id)
		return err
	})
	return e, err
}

// ListExpenses returns all expenses of a club
func (b *BoltDB) ListExpenses(clubID string) ([]*Expense, error) {
	var list []*Expense
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		list, err = listRecords[Expense](collection(tx, clubID, expensesBucket), "expense")
		return err
	})
	return list, err
}

// DeleteExpense removes an expense from the database
func (b *BoltDB) DeleteExpense(clubID, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := collection(tx, clubID, expensesBucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(id))
	})
}

// GetMatch retrieves an AI match by ID
func (b *BoltDB) GetMatch(clubID, id string) (*AIMatch, error) {
	var m *AIMatch
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		m, err = getRecord[AIMatch](collection(tx, clubID, matchesBucket), "ai match", id)
		return err
	})
	return m, err
}

// ListMatches returns all AI matches of a club
func (b *BoltDB) ListMatches(clubID string) ([]*AIMatch, error) {
	var list []*AIMatch
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		list, err = listRecords[AIMatch](collection(tx, clubID, matchesBucket), "ai match")
		return err
	})
	return list, err
}

// SaveCategories replaces the club's category catalog
func (b *BoltDB) SaveCategories(clubID string, categories []Category) error {
	if clubID == "" {
		return ErrMissingClub
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		club, err := tx.Bucket([]byte(clubsBucket)).CreateBucketIfNotExists([]byte(clubID))
		if err != nil {
			return fmt.Errorf("creating club bucket: %w", err)
		}
		if club.Bucket([]byte(categoriesBucket)) != nil {
			if err := club.DeleteBucket([]byte(categoriesBucket)); err != nil {
				return fmt.Errorf("clearing categories: %w", err)
			}
		}
		bucket, err := club.CreateBucket([]byte(categoriesBucket))
		if err != nil {
			return fmt.Errorf("creating categories bucket: %w", err)
		}
		for i := range categories {
			if err := putRecord(bucket, "category", categories[i].Code, &categories[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListCategories returns the club's categories ordered by code
func (b *BoltDB) ListCategories(clubID string) ([]Category, error) {
	var list []*Category
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		list, err = listRecords[Category](collection(tx, clubID, categoriesBucket), "category")
		return err
	})
	if err != nil {
		return nil, err
	}
	categories := make([]Category, 0, len(list))
	for _, c := range list {
		categories = append(categories, *c)
	}
	return categories, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
