package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go-relay/config"
	"go-relay/models"
)

// ErrReportNotFound is returned when no report exists for a call.
var ErrReportNotFound = errors.New("call report not found")

// ReportStore persists finished call reports.
type ReportStore interface {
	SaveCallReport(ctx context.Context, report models.CallReport) error
}

// CallStore is a ReportStore that can also be queried.
type CallStore interface {
	ReportStore
	GetCallReport(ctx context.Context, callID string) (*models.CallReport, error)
	ListCallReports(ctx context.Context, limit int) ([]*models.CallReport, error)
}

// FirestoreStore keeps call reports in a Firestore collection keyed by call SID.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore initializes the Firestore client from the configured credentials
func NewFirestoreStore(ctx context.Context, cfg config.FirebaseConfig) (*FirestoreStore, error) {
	var app *firebase.App
	var err error

	if cfg.CredentialsJSON != "" {
		app, err = firebase.NewApp(ctx, nil, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	} else if cfg.CredentialsFile != "" {
		app, err = firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.CredentialsFile))
	} else {
		// Try to use default credentials
		app, err = firebase.NewApp(ctx, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize firestore: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = config.DefaultCallsCollection
	}

	return &FirestoreStore{client: client, collection: collection}, nil
}

// reportDocID picks the document ID. Calls without a SID fall back to the report ID.
func reportDocID(report models.CallReport) string {
	if report.CallID != "" {
		return report.CallID
	}
	return report.ID
}

// SaveCallReport writes the report, replacing any earlier one for the same call.
func (fs *FirestoreStore) SaveCallReport(ctx context.Context, report models.CallReport) error {
	docID := reportDocID(report)
	if docID == "" {
		return errors.New("report has neither call ID nor report ID")
	}
	if _, err := fs.client.Collection(fs.collection).Doc(docID).Set(ctx, report); err != nil {
		return fmt.Errorf("save call report %s: %w", docID, err)
	}
	return nil
}

// GetCallReport retrieves the report for a call SID
func (fs *FirestoreStore) GetCallReport(ctx context.Context, callID string) (*models.CallReport, error) {
	if callID == "" {
		return nil, errors.New("call ID is required")
	}

	snap, err := fs.client.Collection(fs.collection).Doc(callID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		return nil, ErrReportNotFound
	}

	var report models.CallReport
	if err := snap.DataTo(&report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ListCallReports returns the most recent reports first.
func (fs *FirestoreStore) ListCallReports(ctx context.Context, limit int) ([]*models.CallReport, error) {
	query := fs.client.Collection(fs.collection).OrderBy("end_time", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	reports := []*models.CallReport{}
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		var report models.CallReport
		if err := doc.DataTo(&report); err != nil {
			// Log the error but continue processing other documents
			log.Printf("Error parsing call report document %s: %v", doc.Ref.ID, err)
			continue
		}
		reports = append(reports, &report)
	}
	return reports, nil
}

// Close closes the Firestore client
func (fs *FirestoreStore) Close() error {
	if fs.client != nil {
		return fs.client.Close()
	}
	return nil
}
