package bulkupload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/config"
	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/models"
)

// Enricher fills an organisation draft with Companies House data. A
// return of (false, nil) means nothing was found; an enrichment transport
// failure is recorded on the draft itself, not surfaced as an error, so a
// flaky upstream never aborts a run.
type Enricher interface {
	Enrich(ctx context.Context, draft *OrganisationDraft) (bool, error)
}

type companiesHouseEnricher struct {
	apiBaseURL string
	apiKey     string
	http       *http.Client
}

// NewCompaniesHouseEnricher enriches from the local Companies House
// snapshot table first and falls back to the public API when CH_API_ENABLED
// is on. API hits are written through to the snapshot table.
func NewCompaniesHouseEnricher() Enricher {
	baseURL := strings.TrimSpace(os.Getenv("CH_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.company-information.service.gov.uk"
	}
	return &companiesHouseEnricher{
		apiBaseURL: strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(os.Getenv("CH_API_KEY")),
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *companiesHouseEnricher) Enrich(ctx context.Context, draft *OrganisationDraft) (bool, error) {
	number := strings.ToUpper(strings.TrimSpace(draft.CompaniesHouseNumber))
	if number == "" {
		return false, nil
	}

	cached, err := models.GetCompaniesHouseCompany(ctx, number)
	if err != nil {
		return false, err
	}
	if cached != nil {
		applyCompany(draft, cached)
		return true, nil
	}

	if !config.CompaniesHouseAPIEnabled() {
		return false, nil
	}

	company, err := e.fetchFromAPI(ctx, number)
	if err != nil {
		draft.EnrichmentError = err.Error()
		return false, nil
	}
	if company == nil {
		return false, nil
	}
	if err := models.SaveCompaniesHouseCompany(ctx, company); err != nil {
		logger := config.GetLogger()
		config.LogError(logger, "bulkupload", "Enrich", "cache write-through", number, err)
	}
	applyCompany(draft, company)
	return true, nil
}

func (e *companiesHouseEnricher) fetchFromAPI(ctx context.Context, number string) (*models.CompaniesHouseCompany, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.apiBaseURL+"/company/"+number, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(e.apiKey, "")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("companies house api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		CompanyName   string `json:"company_name"`
		CompanyNumber string `json:"company_number"`
		Office        struct {
			AddressLine1 string `json:"address_line_1"`
			AddressLine2 string `json:"address_line_2"`
			Locality     string `json:"locality"`
			Region       string `json:"region"`
			Country      string `json:"country"`
			PostalCode   string `json:"postal_code"`
		} `json:"registered_office_address"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	return &models.CompaniesHouseCompany{
		CompaniesHouseNumber: number,
		Name:                 parsed.CompanyName,
		AddressLine1:         parsed.Office.AddressLine1,
		AddressLine2:         parsed.Office.AddressLine2,
		Town:                 parsed.Office.Locality,
		County:               parsed.Office.Region,
		Country:              parsed.Office.Country,
		Postcode:             parsed.Office.PostalCode,
		Source:               "api",
	}, nil
}

func applyCompany(draft *OrganisationDraft, company *models.CompaniesHouseCompany) {
	draft.Name = company.Name
	draft.AddressLine1 = company.AddressLine1
	draft.AddressLine2 = company.AddressLine2
	draft.Town = company.Town
	draft.County = company.County
	draft.Country = company.Country
	draft.Postcode = company.Postcode
}
