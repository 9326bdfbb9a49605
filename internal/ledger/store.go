package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ashendes/card-payments/internal/models"
)

// Store errors. Anything else returned by a Store is treated as the store
// being unavailable.
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrStatusConflict = errors.New("record is not in the expected status")
	ErrDuplicateKey   = errors.New("idempotency key already used")
)

// Transition describes a conditional status change applied by a Store
type Transition struct {
	ID               string
	From             models.TransactionStatus
	To               models.TransactionStatus
	GatewayReference *string
	At               time.Time
}

// Store is the durable record store behind the ledger. Implementations must
// commit single records atomically and apply a Transition only when the record
// is still in Transition.From.
type Store interface {
	Insert(ctx context.Context, tx *models.Transaction) error
	Get(ctx context.Context, id string) (*models.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	Apply(ctx context.Context, t Transition) (*models.Transaction, error)
	List(ctx context.Context) ([]models.Transaction, error)
	Migrate(ctx context.Context) error
	Close(ctx context.Context) error
}

// PrecisionReporter is implemented by stores that keep timestamps coarser than
// the microsecond default. The ledger truncates created_at and updated_at to
// this precision so equal values never compare differently after a round trip.
type PrecisionReporter interface {
	TimestampPrecision() time.Duration
}

const defaultTimestampPrecision = time.Microsecond
