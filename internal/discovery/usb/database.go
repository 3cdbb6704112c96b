// internal/discovery/usb/database.go
package usb

import (
	"github.com/google/gousb"

	"cash-device-service/internal/model"
)

// DeviceDatabase contains known USB identities for cash devices and
// the serial bridge chips they usually sit behind
type DeviceDatabase struct {
	vendors map[gousb.ID]*VendorInfo
}

// VendorInfo contains vendor-specific information
type VendorInfo struct {
	Brand    model.DeviceBrand
	Name     string
	products map[gousb.ID]*ProductInfo

	// Fallback applied when the vendor is known but the product id is
	// not in the table.
	Fallback *ProductInfo
}

// ProductInfo contains product-specific information
type ProductInfo struct {
	Model        string
	DeviceType   model.DeviceType
	Capabilities []string
	Confidence   float64
}

// NewDeviceDatabase creates and initializes the device database
func NewDeviceDatabase() *DeviceDatabase {
	db := &DeviceDatabase{
		vendors: make(map[gousb.ID]*VendorInfo),
	}
	db.initializeDatabase()
	return db
}

// initializeDatabase populates the known devices database
func (db *DeviceDatabase) initializeDatabase() {
	// Crane Payment Innovations (0x0BED) covers the MEI and NRI coin
	// and bill unit families.
	cpiVendor := &VendorInfo{
		Brand:    model.BrandNRI,
		Name:     "Crane Payment Innovations",
		products: make(map[gousb.ID]*ProductInfo),
		Fallback: &ProductInfo{
			Model:        "currenza c2",
			DeviceType:   model.DeviceTypeCoinAcceptor,
			Capabilities: []string{"ACCEPT_COINS", "STATUS"},
			Confidence:   0.5,
		},
	}
	db.vendors[0x0BED] = cpiVendor

	// Serial bridge chips. Validators and dispensers with USB ports
	// are almost always an FT232 or CP210x in front of the same
	// serial protocol, so a bridge is a strong hint that a cash
	// device sits behind it.
	bridgeFallback := &ProductInfo{
		Model:        "Serial Bridge",
		DeviceType:   model.DeviceTypeBillValidator,
		Capabilities: []string{"STATUS"},
		Confidence:   0.3,
	}

	db.vendors[0x0403] = &VendorInfo{
		Brand:    model.BrandGeneric,
		Name:     "Future Technology Devices International",
		products: make(map[gousb.ID]*ProductInfo),
		Fallback: bridgeFallback,
	}
	db.vendors[0x0403].products[0x6001] = &ProductInfo{
		Model:        "FT232R Serial Bridge",
		DeviceType:   model.DeviceTypeBillValidator,
		Capabilities: []string{"STATUS"},
		Confidence:   0.35,
	}

	db.vendors[0x10C4] = &VendorInfo{
		Brand:    model.BrandGeneric,
		Name:     "Silicon Labs",
		products: make(map[gousb.ID]*ProductInfo),
		Fallback: bridgeFallback,
	}
	db.vendors[0x10C4].products[0xEA60] = &ProductInfo{
		Model:        "CP210x Serial Bridge",
		DeviceType:   model.DeviceTypeBillValidator,
		Capabilities: []string{"STATUS"},
		Confidence:   0.35,
	}

	db.vendors[0x067B] = &VendorInfo{
		Brand:    model.BrandGeneric,
		Name:     "Prolific Technology",
		products: make(map[gousb.ID]*ProductInfo),
		Fallback: bridgeFallback,
	}
	db.vendors[0x067B].products[0x2303] = &ProductInfo{
		Model:        "PL2303 Serial Bridge",
		DeviceType:   model.DeviceTypeBillValidator,
		Capabilities: []string{"STATUS"},
		Confidence:   0.35,
	}
}

// IsKnownVendor checks if a vendor ID is in the database
func (db *DeviceDatabase) IsKnownVendor(vendorID gousb.ID) bool {
	_, exists := db.vendors[vendorID]
	return exists
}

// GetVendorInfo retrieves vendor information
func (db *DeviceDatabase) GetVendorInfo(vendorID gousb.ID) *VendorInfo {
	return db.vendors[vendorID]
}

// GetProductInfo retrieves product information from vendor
func (vi *VendorInfo) GetProductInfo(productID gousb.ID) *ProductInfo {
	return vi.products[productID]
}

// GetTotalProductCount returns total number of known products
func (db *DeviceDatabase) GetTotalProductCount() int {
	total := 0
	for _, vendor := range db.vendors {
		total += len(vendor.products)
	}
	return total
}
