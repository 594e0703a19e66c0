package utils

import "errors"

// ErrorRecordNotFound is the shared not-found sentinel. The models package
// translates gorm's not-found onto it so callers can errors.Is against this
// without importing gorm.
var ErrorRecordNotFound = errors.New("record not found")
