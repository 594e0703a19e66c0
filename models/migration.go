package models

import (
	"log"

	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&CompaniesHouseCompany{},
		&BulkUploadRun{}, &BulkUploadError{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
