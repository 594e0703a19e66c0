package bulkupload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/utils"
)

// RegistryClient is the boundary to RPD, the external organisation
// registry. Lookups return nil when nothing matched; mutations return the
// upstream status code and are treated as success on any 2xx.
type RegistryClient interface {
	ByCompaniesHouseNumber(ctx context.Context, companiesHouseNumber string) (*RegistryOrganisation, error)
	ByName(ctx context.Context, name string) (*RegistryOrganisation, error)
	ByReferenceNumber(ctx context.Context, referenceNumber string) (*RegistryOrganisation, error)
	RelationshipExists(ctx context.Context, parentOrganisationId int, subsidiaryOrganisationId int) (bool, error)
	SystemUserAndOrganisation(ctx context.Context) (userId string, organisationId string, err error)
	CreateOrganisationAndRelationship(ctx context.Context, draft *OrganisationDraft, rel RelationshipDraft) (int, error)
	AddRelationship(ctx context.Context, rel RelationshipDraft) (int, error)
	UpdateRelationship(ctx context.Context, rel RelationshipDraft) (int, error)
}

type rpdClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

// NewRegistryClient builds the RPD HTTP client from env:
// RPD_API_BASE_URL, RPD_API_KEY, RPD_API_KEY_HEADER, RPD_RATE_LIMIT_PER_MIN.
func NewRegistryClient() (RegistryClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("RPD_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("RPD_API_BASE_URL is required")
	}
	apiKey := strings.TrimSpace(os.Getenv("RPD_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("RPD_API_KEY is required")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("RPD_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("RPD_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &rpdClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

func (c *rpdClient) ByCompaniesHouseNumber(ctx context.Context, companiesHouseNumber string) (*RegistryOrganisation, error) {
	params := url.Values{}
	params.Set("companiesHouseNumber", strings.TrimSpace(companiesHouseNumber))
	return c.getOrganisation(ctx, "/v1/organisations/by-companies-house-number", params)
}

func (c *rpdClient) ByName(ctx context.Context, name string) (*RegistryOrganisation, error) {
	params := url.Values{}
	params.Set("name", strings.TrimSpace(name))
	return c.getOrganisation(ctx, "/v1/organisations/by-name", params)
}

func (c *rpdClient) ByReferenceNumber(ctx context.Context, referenceNumber string) (*RegistryOrganisation, error) {
	params := url.Values{}
	params.Set("referenceNumber", strings.TrimSpace(referenceNumber))
	return c.getOrganisation(ctx, "/v1/organisations/by-reference-number", params)
}

func (c *rpdClient) RelationshipExists(ctx context.Context, parentOrganisationId int, subsidiaryOrganisationId int) (bool, error) {
	path := fmt.Sprintf("/v1/organisations/%d/relationships/%d", parentOrganisationId, subsidiaryOrganisationId)
	body, status, err := c.get(ctx, path, nil)
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	// The endpoint returns the relationship payload when it exists; the
	// engine only needs the fact of its existence here.
	return len(body) > 0, nil
}

func (c *rpdClient) SystemUserAndOrganisation(ctx context.Context) (string, string, error) {
	body, status, err := c.get(ctx, "/v1/system-user", nil)
	if err != nil {
		return "", "", err
	}
	if status == http.StatusNotFound || len(body) == 0 {
		return "", "", errors.New("rpd system user not configured")
	}
	var parsed struct {
		UserId         string `json:"userId"`
		OrganisationId string `json:"organisationId"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", "", err
	}
	return parsed.UserId, parsed.OrganisationId, nil
}

func (c *rpdClient) CreateOrganisationAndRelationship(ctx context.Context, draft *OrganisationDraft, rel RelationshipDraft) (int, error) {
	payload := struct {
		Organisation *OrganisationDraft `json:"organisation"`
		Relationship RelationshipDraft  `json:"relationship"`
	}{Organisation: draft, Relationship: rel}
	return c.mutate(ctx, http.MethodPost, "/v1/organisations/create-and-add-subsidiary", payload)
}

func (c *rpdClient) AddRelationship(ctx context.Context, rel RelationshipDraft) (int, error) {
	return c.mutate(ctx, http.MethodPost, "/v1/organisations/add-subsidiary", rel)
}

func (c *rpdClient) UpdateRelationship(ctx context.Context, rel RelationshipDraft) (int, error) {
	return c.mutate(ctx, http.MethodPut, "/v1/organisations/update-subsidiary", rel)
}

func (c *rpdClient) getOrganisation(ctx context.Context, path string, params url.Values) (*RegistryOrganisation, error) {
	body, status, err := c.get(ctx, path, params)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound || len(body) == 0 {
		return nil, nil
	}
	var org RegistryOrganisation
	if err := json.Unmarshal(body, &org); err != nil {
		return nil, err
	}
	return &org, nil
}

func (c *rpdClient) get(ctx context.Context, path string, params url.Values) ([]byte, int, error) {
	<-c.limiter
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	setIdentityHeaders(req, ctx)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("rpd api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, resp.StatusCode, nil
}

func (c *rpdClient) mutate(ctx context.Context, method string, path string, payload interface{}) (int, error) {
	<-c.limiter
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	setIdentityHeaders(req, ctx)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// setIdentityHeaders stamps the acting identity and correlation id onto an
// outbound request. Mutations run as the system user the worker put into
// the context at the start of the run.
func setIdentityHeaders(req *http.Request, ctx context.Context) {
	if userId, ok := utils.GetUserIdFromContext(ctx); ok && userId != "" {
		req.Header.Set("X-EPR-User", userId)
	}
	if orgId, ok := utils.GetOrganisationIdFromContext(ctx); ok && orgId != "" {
		req.Header.Set("X-EPR-Organisation", orgId)
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok && correlationId != "" {
		req.Header.Set("X-Correlation-Id", correlationId)
	}
}

func statusOK(status int) bool {
	return status >= 200 && status < 300
}
