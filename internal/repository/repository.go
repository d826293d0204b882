package repository

import (
	"github.com/google/uuid"

	"github.com/NamanBalaji/sharebridge/internal/account"
	"github.com/NamanBalaji/sharebridge/internal/task"
)

// Repository is the durable backing for tasks, batches and accounts.
type Repository interface {
	SaveTask(t *task.Task) error
	FindTask(id uuid.UUID) (*task.Task, error)
	FindAllTasks() ([]*task.Task, error)
	DeleteTask(id uuid.UUID) error

	SaveBatch(b *task.Batch) error
	FindAllBatches() ([]*task.Batch, error)
	DeleteBatch(id uuid.UUID) error

	SaveAccount(a *account.Account) error
	FindAllAccounts() ([]*account.Account, error)
	DeleteAccount(id string) error

	Close() error
}
