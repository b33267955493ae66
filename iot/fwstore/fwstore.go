package fwstore

import "time"

// fwstore stores firmware images outside of the database. There are two
// backends: a local filesystem for single-instance deployments and AWS S3.
// Devices never talk to the store directly, they receive time-limited
// signed URLs in their OTA offer.

// Method is the HTTP method a signed URL is minted for.
type Method string

// Get is for download URLs, Put for upload URLs.
const (
	Get Method = "GET"
	Put Method = "PUT"
)

// Driver defines the interface for the firmware store.
type Driver interface {
	SignedURL(method Method, key string, expireIn time.Duration) (URL string, err error)
	Upload(key string, data []byte) error
	Delete(key string) error
}

// DriverType selects the firmware store backend.
type DriverType string

// DriverTypeLocal is the local filesystem backend.
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 backend.
const DriverTypeAWSS3 DriverType = "AWSS3"

// None disables firmware storage; bootstrap then offers updates
// without download URLs.
const None DriverType = ""
