package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/config"
	"gorm.io/gorm"
)

// CompaniesHouseCompany is the local offline copy of the Companies House
// register used to enrich subsidiaries that are missing from RPD. Rows are
// bulk-loaded from the monthly snapshot and written through when the live
// Companies House API resolves a number the snapshot does not hold.
type CompaniesHouseCompany struct {
	ID                   uint      `gorm:"primary_key" json:"id"`
	CompaniesHouseNumber string    `gorm:"uniqueIndex;size:10;not null" json:"companies_house_number"`
	Name                 string    `gorm:"index;size:255;not null" json:"name"`
	AddressLine1         string    `gorm:"size:255" json:"address_line1"`
	AddressLine2         string    `gorm:"size:255" json:"address_line2"`
	Town                 string    `gorm:"size:100" json:"town"`
	County               string    `gorm:"size:100" json:"county"`
	Country              string    `gorm:"size:100" json:"country"`
	Postcode             string    `gorm:"size:20" json:"postcode"`
	Source               string    `gorm:"size:20" json:"source"` // snapshot | api
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetCompaniesHouseCompany looks up the offline table by registration number.
// Returns (nil, nil) when the number is unknown locally.
func GetCompaniesHouseCompany(ctx context.Context, companiesHouseNumber string) (*CompaniesHouseCompany, error) {
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}

	var company CompaniesHouseCompany
	err := db.WithContext(ctx).
		Where("companies_house_number = ?", strings.TrimSpace(companiesHouseNumber)).
		Take(&company).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &company, nil
}

// SaveCompaniesHouseCompany writes an API-sourced company through to the
// offline table so the next run resolves it locally.
func SaveCompaniesHouseCompany(ctx context.Context, company *CompaniesHouseCompany) error {
	db := config.GetDB()
	if db == nil {
		return errors.New("db is nil")
	}

	existing, err := GetCompaniesHouseCompany(ctx, company.CompaniesHouseNumber)
	if err != nil {
		return err
	}
	if existing != nil {
		return db.WithContext(ctx).Model(existing).Updates(map[string]interface{}{
			"name":          company.Name,
			"address_line1": company.AddressLine1,
			"address_line2": company.AddressLine2,
			"town":          company.Town,
			"county":        company.County,
			"country":       company.Country,
			"postcode":      company.Postcode,
			"source":        company.Source,
		}).Error
	}
	return db.WithContext(ctx).Create(company).Error
}
