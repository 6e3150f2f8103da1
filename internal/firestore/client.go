// Package firestore stores committed transactions and institution
// configuration documents in Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/dedup"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

const (
	commitsCollection      = "stmtimport-commits"
	transactionsCollection = "stmtimport-transactions"
	configsCollection      = "stmtimport-configs"

	// A Firestore transaction accepts at most 500 writes; one is the commit document.
	maxTransactionsPerCommit = 499
)

// ErrCommitTooLarge is returned when a batch does not fit one atomic write.
var ErrCommitTooLarge = errors.New("commit exceeds firestore transaction limit")

// Client wraps Firestore client with ledger and configuration operations
type Client struct {
	Firestore *firestore.Client
	projectID string
	tenant    string
	now       func() time.Time
}

// NewClient creates a new Firestore client scoped to tenant. Credentials come
// from Application Default Credentials unless opts say otherwise.
func NewClient(ctx context.Context, projectID, tenant string, opts ...option.ClientOption) (*Client, error) {
	if tenant == "" {
		return nil, fmt.Errorf("tenant is required")
	}
	conf := &firebase.Config{ProjectID: projectID}

	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	firestoreClient, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return &Client{
		Firestore: firestoreClient,
		projectID: projectID,
		tenant:    tenant,
		now:       time.Now,
	}, nil
}

// Close closes the Firestore client
func (c *Client) Close() error {
	return c.Firestore.Close()
}

// Commit records one committed batch in Firestore
type Commit struct {
	Token       string    `firestore:"token"`
	Tenant      string    `firestore:"tenant"`
	Count       int       `firestore:"count"`
	CommittedAt time.Time `firestore:"committedAt"`
}

// Transaction represents a committed transaction in Firestore
type Transaction struct {
	ID          string  `firestore:"id"`
	Tenant      string  `firestore:"tenant"`
	Token       string  `firestore:"token"`
	Row         int     `firestore:"row"`
	Fingerprint string  `firestore:"fingerprint"`
	Date        string  `firestore:"date"`
	AmountMinor int64   `firestore:"amountMinor"`
	Currency    string  `firestore:"currency"`
	Description string  `firestore:"description"`
	Merchant    *string `firestore:"merchant,omitempty"`
	Location    *string `firestore:"location,omitempty"`
	Memo        *string `firestore:"memo,omitempty"`
	Reference   *string `firestore:"reference,omitempty"`
	Account     string  `firestore:"account"`
	Category    string  `firestore:"category,omitempty"`
	Confidence  float64 `firestore:"confidence"`
}

// NewTransaction converts a canonical transaction into its document form.
func NewTransaction(tenant, token string, txn domain.CanonicalTransaction) *Transaction {
	doc := &Transaction{
		ID:          fmt.Sprintf("%s-%d", token, txn.Row),
		Tenant:      tenant,
		Token:       token,
		Row:         txn.Row,
		Fingerprint: txn.Fingerprint,
		Date:        txn.Date.String(),
		AmountMinor: txn.AmountMinor,
		Currency:    txn.Currency,
		Description: txn.Description,
		Merchant:    txn.Merchant,
		Location:    txn.Location,
		Memo:        txn.Memo,
		Reference:   txn.Reference,
		Account:     txn.Account,
		Confidence:  txn.Confidence,
	}
	if txn.Category != nil {
		doc.Category = string(*txn.Category)
	}
	return doc
}

// Validate checks if the Transaction has valid data
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("transaction ID is required")
	}
	if t.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if t.Fingerprint == "" {
		return fmt.Errorf("fingerprint is required")
	}
	if _, err := domain.ParseISODate(t.Date); err != nil {
		return fmt.Errorf("invalid date format (expected YYYY-MM-DD): %w", err)
	}
	if len(t.Currency) != 3 {
		return fmt.Errorf("invalid currency %q", t.Currency)
	}
	return nil
}

// Persist writes the commit document and every valid transaction in one
// Firestore transaction. A token that already has a commit document is left
// untouched.
func (c *Client) Persist(ctx context.Context, token string, txns []domain.CanonicalTransaction) ([]domain.CommitFailure, error) {
	if token == "" {
		return nil, fmt.Errorf("commit token cannot be empty")
	}

	var docs []*Transaction
	var failures []domain.CommitFailure
	for _, txn := range txns {
		doc := NewTransaction(c.tenant, token, txn)
		if err := doc.Validate(); err != nil {
			failures = append(failures, domain.CommitFailure{Row: txn.Row, Fingerprint: txn.Fingerprint, Reason: err.Error()})
			continue
		}
		docs = append(docs, doc)
	}
	if len(docs) > maxTransactionsPerCommit {
		return nil, fmt.Errorf("%w: %d transactions", ErrCommitTooLarge, len(docs))
	}

	commitRef := c.Firestore.Collection(commitsCollection).Doc(c.docID(token))
	err := c.Firestore.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(commitRef); err == nil {
			docs = nil
			return nil
		} else if status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to read commit %s: %w", token, err)
		}

		commit := &Commit{Token: token, Tenant: c.tenant, Count: len(docs), CommittedAt: c.now()}
		if err := tx.Create(commitRef, commit); err != nil {
			return err
		}
		for _, doc := range docs {
			ref := c.Firestore.Collection(transactionsCollection).Doc(c.docID(doc.ID))
			if err := tx.Set(ref, doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist commit %s: %w", token, err)
	}
	if docs == nil {
		return nil, nil
	}
	return failures, nil
}

// Revert deletes the commit document and its transactions. Unknown tokens
// are ignored.
func (c *Client) Revert(ctx context.Context, token string) error {
	commitRef := c.Firestore.Collection(commitsCollection).Doc(c.docID(token))
	query := c.Firestore.Collection(transactionsCollection).
		Where("tenant", "==", c.tenant).
		Where("token", "==", token)

	err := c.Firestore.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(commitRef); status.Code(err) == codes.NotFound {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to read commit %s: %w", token, err)
		}

		refs, err := tx.Documents(query).GetAll()
		if err != nil {
			return fmt.Errorf("failed to list transactions of %s: %w", token, err)
		}
		for _, doc := range refs {
			if err := tx.Delete(doc.Ref); err != nil {
				return err
			}
		}
		return tx.Delete(commitRef)
	})
	if err != nil {
		return fmt.Errorf("failed to revert commit %s: %w", token, err)
	}
	return nil
}

// Fingerprints retrieves the fingerprints of every committed transaction of
// the tenant
func (c *Client) Fingerprints(ctx context.Context) (dedup.Fingerprints, error) {
	iter := c.Firestore.Collection(transactionsCollection).
		Where("tenant", "==", c.tenant).
		Select("fingerprint").
		Documents(ctx)
	defer iter.Stop()

	set := dedup.NewFingerprints()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate transactions for tenant %s: %w", c.tenant, err)
		}
		if fp, ok := doc.Data()["fingerprint"].(string); ok {
			set.Add(fp)
		}
	}
	return set, nil
}

// transactions retrieves the transactions committed under token
func (c *Client) transactions(ctx context.Context, token string) ([]*Transaction, error) {
	iter := c.Firestore.Collection(transactionsCollection).
		Where("tenant", "==", c.tenant).
		Where("token", "==", token).
		OrderBy("row", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var transactions []*Transaction
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate transactions for token %s: %w", token, err)
		}

		var txn Transaction
		if err := doc.DataTo(&txn); err != nil {
			return nil, fmt.Errorf("failed to parse transaction: %w", err)
		}
		transactions = append(transactions, &txn)
	}
	return transactions, nil
}

// ConfigDocument is an institution configuration stored in Firestore
type ConfigDocument struct {
	Name      string    `firestore:"name"`
	Tenant    string    `firestore:"tenant"`
	Data      string    `firestore:"data"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// PutConfig stores or replaces a configuration document after checking that
// it parses.
func (c *Client) PutConfig(ctx context.Context, doc config.Document) error {
	if _, err := config.Parse(doc); err != nil {
		return err
	}
	stored := &ConfigDocument{Name: doc.Name, Tenant: c.tenant, Data: string(doc.Data), UpdatedAt: c.now()}
	_, err := c.Firestore.Collection(configsCollection).Doc(c.docID(doc.Name)).Set(ctx, stored)
	if err != nil {
		return fmt.Errorf("failed to store config %s: %w", doc.Name, err)
	}
	return nil
}

// Load implements config.Source with the tenant's configuration documents.
func (c *Client) Load(ctx context.Context) ([]config.Document, error) {
	iter := c.Firestore.Collection(configsCollection).
		Where("tenant", "==", c.tenant).
		Documents(ctx)
	defer iter.Stop()

	var docs []config.Document
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate configs for tenant %s: %w", c.tenant, err)
		}
		var stored ConfigDocument
		if err := doc.DataTo(&stored); err != nil {
			return nil, fmt.Errorf("failed to parse config document: %w", err)
		}
		docs = append(docs, config.Document{Name: stored.Name, Data: []byte(stored.Data)})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

func (c *Client) docID(id string) string {
	return c.tenant + "_" + id
}
