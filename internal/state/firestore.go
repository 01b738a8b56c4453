package state

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/servicerequestflow/internal/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultDocumentID names the checkpoint document inside the configured collection.
const DefaultDocumentID = "last_run"

// stateDocument is the slice of a Firestore document the store needs. Load
// returns a gRPC NotFound status when the document does not exist.
type stateDocument interface {
	Path() string
	Load(ctx context.Context) (models.IngestionState, error)
	Save(ctx context.Context, st models.IngestionState) error
}

type firestoreDocument struct{ ref *firestore.DocumentRef }

func (d firestoreDocument) Path() string { return d.ref.Path }

func (d firestoreDocument) Load(ctx context.Context) (models.IngestionState, error) {
	var st models.IngestionState
	snap, err := d.ref.Get(ctx)
	if err != nil {
		return st, err
	}
	if err := snap.DataTo(&st); err != nil {
		return st, fmt.Errorf("decode: %w", err)
	}
	return st, nil
}

func (d firestoreDocument) Save(ctx context.Context, st models.IngestionState) error {
	_, err := d.ref.Set(ctx, st)
	return err
}

// FirestoreStore keeps the checkpoint in a single Firestore document.
type FirestoreStore struct {
	doc stateDocument
	now func() time.Time
}

func NewFirestoreStore(client *firestore.Client, collection, documentID string) *FirestoreStore {
	if documentID == "" {
		documentID = DefaultDocumentID
	}
	return &FirestoreStore{
		doc: firestoreDocument{ref: client.Collection(collection).Doc(documentID)},
		now: time.Now,
	}
}

// Read maps a missing document, or one without a checkpoint, to ErrNoState.
func (s *FirestoreStore) Read(ctx context.Context) (*models.IngestionState, error) {
	st, err := s.doc.Load(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("read state document %s: %w", s.doc.Path(), err)
	}
	if st.LastRunTimestamp == "" {
		return nil, ErrNoState
	}
	return &st, nil
}

func (s *FirestoreStore) Write(ctx context.Context, timestamp string) error {
	err := s.doc.Save(ctx, models.IngestionState{
		LastRunTimestamp: timestamp,
		UpdatedAt:        s.now().UTC().Format(models.TimestampLayout),
	})
	if err != nil {
		return fmt.Errorf("write state document %s: %w", s.doc.Path(), err)
	}
	return nil
}
