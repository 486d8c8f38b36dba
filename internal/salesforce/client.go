// Package salesforce pushes active tasks to a Salesforce custom object and
// pulls them back. Records are upserted by External_Id__c; pulls replace the
// active task list and are lossy.
package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/kay0530/weekly-task-manager/internal/model"
)

var ErrNotConfigured = errors.New("salesforce connection not configured")

const (
	DefaultAPIVersion = "v59.0"
	DefaultObject     = "Weekly_Task__c"
	untitled          = "(Untitled)"
)

var queryFields = []string{
	"External_Id__c", "Name", "Member_Id__c", "Category__c", "Progress__c",
	"Done__c", "Not_Done__c", "Not_Done_Reason__c", "Issues__c", "Consultation__c",
}

type Config struct {
	InstanceURL string
	APIVersion  string
	Object      string

	// AccessToken is used as is when RefreshToken is empty.
	AccessToken  string
	ClientID     string
	ClientSecret string
	RefreshToken string

	Timeout time.Duration
}

func (c Config) Configured() bool {
	if strings.TrimSpace(c.InstanceURL) == "" {
		return false
	}
	return c.AccessToken != "" || c.RefreshToken != ""
}

// Record is the flat custom-object shape.
type Record struct {
	Name          string  `json:"Name"`
	MemberID      string  `json:"Member_Id__c"`
	Category      string  `json:"Category__c"`
	Progress      float64 `json:"Progress__c"`
	Done          string  `json:"Done__c"`
	NotDone       string  `json:"Not_Done__c"`
	NotDoneReason string  `json:"Not_Done_Reason__c"`
	Issues        string  `json:"Issues__c"`
	Consultation  string  `json:"Consultation__c"`
	ExternalID    string  `json:"External_Id__c"`
}

func RecordFromTask(t model.Task) Record {
	name := strings.TrimSpace(t.Title)
	if name == "" {
		name = untitled
	}
	return Record{
		Name:          name,
		MemberID:      t.MemberID,
		Category:      t.Category,
		Progress:      float64(t.Progress),
		Done:          t.Done,
		NotDone:       t.NotDone,
		NotDoneReason: t.NotDoneReason,
		Issues:        t.Issues,
		Consultation:  t.Consultation,
		ExternalID:    string(t.ID),
	}
}

// Task maps a pulled record to a fresh active task. History, order,
// attachments and links are not carried by the record.
func (r Record) Task(now time.Time) model.Task {
	t := model.Task{
		ID:            model.TaskID(r.ExternalID),
		MemberID:      r.MemberID,
		Category:      r.Category,
		Title:         r.Name,
		Progress:      int(math.Round(r.Progress)),
		Done:          r.Done,
		NotDone:       r.NotDone,
		NotDoneReason: r.NotDoneReason,
		Issues:        r.Issues,
		Consultation:  r.Consultation,
		Status:        model.StatusActive,
		WeeklyHistory: map[string]model.WeekEntry{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.Normalize()
	return t
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient builds an authenticated client. With a refresh token the access
// token is obtained from the instance's OAuth endpoint and renewed as
// needed; otherwise AccessToken is sent as a static bearer token.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if !cfg.Configured() {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.InstanceURL = strings.TrimRight(strings.TrimSpace(cfg.InstanceURL), "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Object == "" {
		cfg.Object = DefaultObject
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var src oauth2.TokenSource
	if cfg.RefreshToken != "" {
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.InstanceURL + "/services/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		src = oc.TokenSource(ctx, &oauth2.Token{AccessToken: cfg.AccessToken, RefreshToken: cfg.RefreshToken})
	} else {
		src = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"})
	}

	hc := oauth2.NewClient(ctx, src)
	hc.Timeout = cfg.Timeout
	return &Client{cfg: cfg, http: hc, logger: logger}, nil
}

func (c *Client) dataURL(parts ...string) string {
	return c.cfg.InstanceURL + "/services/data/" + c.cfg.APIVersion + "/" + strings.Join(parts, "/")
}

// Upsert writes one record keyed by its external id.
func (c *Client) Upsert(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	u := c.dataURL("sobjects", c.cfg.Object, "External_Id__c", url.PathEscape(rec.ExternalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.ExternalID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upsert %s: %s: %s", rec.ExternalID, resp.Status, readSnippet(resp.Body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type queryResponse struct {
	TotalSize      int      `json:"totalSize"`
	Done           bool     `json:"done"`
	NextRecordsURL string   `json:"nextRecordsUrl"`
	Records        []Record `json:"records"`
}

// Query reads every record of the object, following nextRecordsUrl.
func (c *Client) Query(ctx context.Context) ([]Record, error) {
	soql := "SELECT " + strings.Join(queryFields, ", ") + " FROM " + c.cfg.Object
	next := c.dataURL("query") + "/?q=" + url.QueryEscape(soql)

	var out []Record
	for next != "" {
		page, err := c.queryPage(ctx, next)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		next = ""
		if !page.Done && page.NextRecordsURL != "" {
			next = c.cfg.InstanceURL + page.NextRecordsURL
		}
	}
	return out, nil
}

func (c *Client) queryPage(ctx context.Context, u string) (queryResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return queryResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return queryResponse{}, fmt.Errorf("query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return queryResponse{}, fmt.Errorf("query: %s: %s", resp.Status, readSnippet(resp.Body))
	}
	var page queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return queryResponse{}, fmt.Errorf("query: decode: %w", err)
	}
	return page, nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
