/*Package catalog manages tenants and the firmware image catalog.

Operators register firmware metadata here, upload the image through a
signed URL and publish it; only published firmware can be referenced by
rollouts or offered during bootstrap.
*/
package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/fleetcontrol/iot"
	"github.com/relabs-tech/fleetcontrol/iot/fwstore"
	"github.com/relabs-tech/fleetcontrol/iot/state"
)

// Store is the persistence the catalog needs.
type Store interface {
	CreateTenant(ctx context.Context, t *state.Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*state.Tenant, error)
	CreateFirmware(ctx context.Context, f *state.Firmware) error
	GetFirmware(ctx context.Context, tenantID string, firmwareID uuid.UUID) (*state.Firmware, error)
	ListFirmwares(ctx context.Context, tenantID string) ([]state.Firmware, error)
	SetFirmwarePublished(ctx context.Context, tenantID string, firmwareID uuid.UUID, published bool) error
}

// Service is the tenant and firmware catalog.
type Service struct {
	store     Store
	firmware  fwstore.Driver
	uploadTTL time.Duration
}

// Builder is a builder helper for the catalog service.
type Builder struct {
	// Store is the persistent store. This is mandatory.
	Store Store
	// Firmware stores the image binaries. This is optional; without it
	// the catalog manages metadata only.
	Firmware fwstore.Driver
	// UploadURLTTL is the lifetime of minted upload URLs, default is 1h.
	UploadURLTTL time.Duration
}

// NewService realizes the catalog service.
func NewService(b *Builder) *Service {
	if b.Store == nil {
		panic("Store is missing")
	}
	uploadTTL := b.UploadURLTTL
	if uploadTTL == 0 {
		uploadTTL = time.Hour
	}
	return &Service{
		store:     b.Store,
		firmware:  b.Firmware,
		uploadTTL: uploadTTL,
	}
}

// CreateTenant registers a tenant.
func (s *Service) CreateTenant(ctx context.Context, tenant *state.Tenant) (*state.Tenant, error) {
	if tenant.TenantID == "" {
		return nil, iot.NewError(iot.ErrCodeValidation, "tenantId is mandatory")
	}
	if err := s.store.CreateTenant(ctx, tenant); err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot create tenant")
	}
	return tenant, nil
}

// GetTenant returns one tenant.
func (s *Service) GetTenant(ctx context.Context, tenantID string) (*state.Tenant, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err == state.ErrNotFound {
		return nil, iot.NewError(iot.ErrCodeTenant, "no such tenant '%s'", tenantID)
	}
	if err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot load tenant")
	}
	return tenant, nil
}

// CreateFirmware registers firmware metadata in unpublished state. The
// image itself is uploaded separately through UploadURL.
func (s *Service) CreateFirmware(ctx context.Context, firmware *state.Firmware) (*state.Firmware, error) {
	if firmware.DeviceType == "" || firmware.Version == "" {
		return nil, iot.NewError(iot.ErrCodeValidation, "deviceType and version are mandatory")
	}
	switch firmware.Channel {
	case "stable", "beta", "dev":
	default:
		return nil, iot.NewError(iot.ErrCodeValidation, "unknown channel '%s'", firmware.Channel)
	}
	firmware.Published = false
	firmware.FirmwareID = uuid.New()
	if firmware.StorageKey == "" {
		firmware.StorageKey = firmware.TenantID + "/" + firmware.FirmwareID.String()
	}
	if err := s.store.CreateFirmware(ctx, firmware); err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot create firmware")
	}
	return firmware, nil
}

// GetFirmware returns one firmware.
func (s *Service) GetFirmware(ctx context.Context, tenantID string, firmwareID uuid.UUID) (*state.Firmware, error) {
	firmware, err := s.store.GetFirmware(ctx, tenantID, firmwareID)
	if err == state.ErrNotFound {
		return nil, iot.NewError(iot.ErrCodeNotFound, "no such firmware '%s'", firmwareID)
	}
	if err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot load firmware")
	}
	return firmware, nil
}

// ListFirmwares returns the tenant's firmware images, newest first.
func (s *Service) ListFirmwares(ctx context.Context, tenantID string) ([]state.Firmware, error) {
	firmwares, err := s.store.ListFirmwares(ctx, tenantID)
	if err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot list firmwares")
	}
	return firmwares, nil
}

// UploadURL mints a signed PUT URL for the firmware image.
func (s *Service) UploadURL(ctx context.Context, tenantID string, firmwareID uuid.UUID) (string, error) {
	if s.firmware == nil {
		return "", iot.NewError(iot.ErrCodeStateConflict, "no firmware store configured")
	}
	firmware, err := s.GetFirmware(ctx, tenantID, firmwareID)
	if err != nil {
		return "", err
	}
	url, err := s.firmware.SignedURL(fwstore.Put, firmware.StorageKey, s.uploadTTL)
	if err != nil {
		return "", iot.WrapError(iot.ErrCodeInternal, err, "cannot sign upload url")
	}
	return url, nil
}

// Publish makes the firmware visible to rollouts and bootstrap offers.
func (s *Service) Publish(ctx context.Context, tenantID string, firmwareID uuid.UUID) (*state.Firmware, error) {
	return s.setPublished(ctx, tenantID, firmwareID, true)
}

// Unpublish withdraws the firmware. Running rollouts keep their tasks;
// the firmware merely stops being offered or accepted for new rollouts.
func (s *Service) Unpublish(ctx context.Context, tenantID string, firmwareID uuid.UUID) (*state.Firmware, error) {
	return s.setPublished(ctx, tenantID, firmwareID, false)
}

func (s *Service) setPublished(ctx context.Context, tenantID string, firmwareID uuid.UUID, published bool) (*state.Firmware, error) {
	err := s.store.SetFirmwarePublished(ctx, tenantID, firmwareID, published)
	if err == state.ErrNotFound {
		return nil, iot.NewError(iot.ErrCodeNotFound, "no such firmware '%s'", firmwareID)
	}
	if err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot update firmware")
	}
	return s.GetFirmware(ctx, tenantID, firmwareID)
}
