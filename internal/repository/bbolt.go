package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/NamanBalaji/sharebridge/internal/account"
	"github.com/NamanBalaji/sharebridge/internal/task"
)

const (
	tasksBucket    = "tasks"
	batchesBucket  = "batches"
	accountsBucket = "accounts"
	metadataBucket = "metadata"
	schemaVersion  = 1
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrBatchNotFound   = errors.New("batch not found")
	ErrAccountNotFound = errors.New("account not found")
)

var _ Repository = (*BboltRepository)(nil)

// BboltRepository stores every record as JSON keyed by id.
type BboltRepository struct {
	db *bbolt.DB
}

// NewBboltRepository opens (or creates) the database at dbPath.
func NewBboltRepository(dbPath string) (*BboltRepository, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &BboltRepository{
		db: db,
	}

	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

func (r *BboltRepository) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{tasksBucket, batchesBucket, accountsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		versionBytes := []byte(fmt.Sprintf("%d", schemaVersion))
		if err := meta.Put([]byte("schema_version"), versionBytes); err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

func (r *BboltRepository) put(bucketName, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", bucketName, err)
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", bucketName)
		}

		if err := bucket.Put([]byte(key), data); err != nil {
			return fmt.Errorf("failed to save %s record: %w", bucketName, err)
		}

		return nil
	})
}

func (r *BboltRepository) get(bucketName, key string, notFound error, v interface{}) error {
	var data []byte

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", bucketName)
		}

		// bbolt memory is only valid inside the transaction
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return notFound
		}

		data = append([]byte(nil), raw...)

		return nil
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s record: %w", bucketName, err)
	}

	return nil
}

func (r *BboltRepository) each(bucketName string, fn func(v []byte) error) error {
	return r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", bucketName)
		}

		return bucket.ForEach(func(_, v []byte) error {
			return fn(v)
		})
	})
}

func (r *BboltRepository) delete(bucketName, key string, notFound error) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", bucketName)
		}

		if bucket.Get([]byte(key)) == nil {
			return notFound
		}

		return bucket.Delete([]byte(key))
	})
}

// SaveTask persists a task.
func (r *BboltRepository) SaveTask(t *task.Task) error {
	if t == nil {
		return errors.New("cannot save nil task")
	}

	if t.ID == uuid.Nil {
		return errors.New("task ID cannot be empty")
	}

	return r.put(tasksBucket, t.ID.String(), t)
}

// FindTask retrieves a task by ID.
func (r *BboltRepository) FindTask(id uuid.UUID) (*task.Task, error) {
	if id == uuid.Nil {
		return nil, errors.New("task ID cannot be empty")
	}

	t := &task.Task{}
	if err := r.get(tasksBucket, id.String(), ErrTaskNotFound, t); err != nil {
		return nil, err
	}

	return t, nil
}

// FindAllTasks retrieves every persisted task.
func (r *BboltRepository) FindAllTasks() ([]*task.Task, error) {
	var tasks []*task.Task

	err := r.each(tasksBucket, func(v []byte) error {
		t := &task.Task{}
		if err := json.Unmarshal(v, t); err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}

		tasks = append(tasks, t)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return tasks, nil
}

// DeleteTask removes a task.
func (r *BboltRepository) DeleteTask(id uuid.UUID) error {
	if id == uuid.Nil {
		return errors.New("task ID cannot be empty")
	}

	return r.delete(tasksBucket, id.String(), ErrTaskNotFound)
}

func (r *BboltRepository) SaveBatch(b *task.Batch) error {
	if b == nil {
		return errors.New("cannot save nil batch")
	}

	return r.put(batchesBucket, b.ID.String(), b)
}

func (r *BboltRepository) FindAllBatches() ([]*task.Batch, error) {
	var batches []*task.Batch

	err := r.each(batchesBucket, func(v []byte) error {
		b := &task.Batch{}
		if err := json.Unmarshal(v, b); err != nil {
			return fmt.Errorf("failed to unmarshal batch: %w", err)
		}

		batches = append(batches, b)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return batches, nil
}

func (r *BboltRepository) DeleteBatch(id uuid.UUID) error {
	return r.delete(batchesBucket, id.String(), ErrBatchNotFound)
}

// SaveAccount persists an account row, including its usage counters.
func (r *BboltRepository) SaveAccount(a *account.Account) error {
	if a == nil {
		return errors.New("cannot save nil account")
	}

	if a.ID == "" {
		return errors.New("account ID cannot be empty")
	}

	return r.put(accountsBucket, a.ID, a)
}

func (r *BboltRepository) FindAllAccounts() ([]*account.Account, error) {
	var accounts []*account.Account

	err := r.each(accountsBucket, func(v []byte) error {
		a := &account.Account{}
		if err := json.Unmarshal(v, a); err != nil {
			return fmt.Errorf("failed to unmarshal account: %w", err)
		}

		accounts = append(accounts, a)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return accounts, nil
}

func (r *BboltRepository) DeleteAccount(id string) error {
	return r.delete(accountsBucket, id, ErrAccountNotFound)
}

// Close closes the database
func (r *BboltRepository) Close() error {
	return r.db.Close()
}
