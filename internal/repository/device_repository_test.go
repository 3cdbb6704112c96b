// internal/repository/device_repository_test.go
package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cash-device-service/internal/database"
	"cash-device-service/internal/model"
)

func newMockDB(t *testing.T) (*database.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return &database.DB{DB: sqlDB}, mock
}

func testDevice() *model.Device {
	return &model.Device{
		ID:             uuid.New(),
		DeviceID:       "bill_acceptor",
		DeviceType:     model.DeviceTypeBillValidator,
		Brand:          model.BrandCashCode,
		Model:          "SM",
		ConnectionType: model.ConnectionTypeSerial,
		ConnectionConfig: model.JSONObject{
			"port": "/dev/ttyS0",
		},
		Capabilities: model.JSONArray{"ACCEPT_BILLS", "ESCROW"},
		TerminalID:   uuid.New(),
		Status:       model.DeviceStatusOffline,
	}
}

func deviceRows(device *model.Device) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "device_id", "device_type", "brand", "model", "firmware_version",
		"connection_type", "connection_config", "capabilities", "terminal_id",
		"location", "status", "last_ping", "error_info", "created_at", "updated_at",
	}).AddRow(
		device.ID, device.DeviceID, device.DeviceType, device.Brand,
		device.Model, nil, device.ConnectionType,
		[]byte(`{"port":"/dev/ttyS0"}`), []byte(`["ACCEPT_BILLS","ESCROW"]`),
		device.TerminalID, nil, device.Status, nil, nil,
		time.Now(), time.Now(),
	)
}

func TestDeviceRepositoryCreate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDeviceRepository(db, zap.NewNop())
	device := testDevice()

	mock.ExpectExec("INSERT INTO devices").
		WithArgs(device.ID, device.DeviceID, device.DeviceType, device.Brand,
			device.Model, device.FirmwareVersion, device.ConnectionType,
			device.ConnectionConfig, device.Capabilities, device.TerminalID,
			device.Location, device.Status, device.ErrorInfo).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), device))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceRepositoryGetByDeviceID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDeviceRepository(db, zap.NewNop())
	device := testDevice()

	mock.ExpectQuery("SELECT (.+) FROM devices WHERE device_id").
		WithArgs(device.DeviceID).
		WillReturnRows(deviceRows(device))

	got, err := repo.GetByDeviceID(context.Background(), device.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, device.ID, got.ID)
	assert.Equal(t, model.DeviceTypeBillValidator, got.DeviceType)
	assert.Equal(t, "/dev/ttyS0", got.ConnectionConfig["port"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceRepositoryGetByDeviceIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDeviceRepository(db, zap.NewNop())

	mock.ExpectQuery("SELECT (.+) FROM devices WHERE device_id").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByDeviceID(context.Background(), "ghost")
	assert.ErrorContains(t, err, "not found")
}

func TestDeviceRepositoryUpdateStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDeviceRepository(db, zap.NewNop())
	id := uuid.New()

	mock.ExpectExec("UPDATE devices SET status").
		WithArgs(id, model.DeviceStatusOnline).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateStatus(context.Background(), id, model.DeviceStatusOnline))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceRepositoryUpdateStatusNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDeviceRepository(db, zap.NewNop())
	id := uuid.New()

	mock.ExpectExec("UPDATE devices SET status").
		WithArgs(id, model.DeviceStatusOnline).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), id, model.DeviceStatusOnline)
	assert.ErrorContains(t, err, "not found")
}

func TestDeviceRepositoryListFiltersByType(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDeviceRepository(db, zap.NewNop())
	device := testDevice()

	deviceType := model.DeviceTypeBillValidator
	filter := &DeviceFilter{
		DeviceType: &deviceType,
		Page:       1,
		PerPage:    20,
	}

	mock.ExpectQuery("SELECT COUNT(.+) FROM devices").
		WithArgs(deviceType).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT (.+) FROM devices WHERE device_type").
		WithArgs(deviceType, 20, 0).
		WillReturnRows(deviceRows(device))

	devices, total, err := repo.List(context.Background(), filter)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, devices, 1)
	assert.Equal(t, device.DeviceID, devices[0].DeviceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceRepositoryCreateHealthLog(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDeviceRepository(db, zap.NewNop())

	responseTime := 120
	health := &model.DeviceHealth{
		DeviceID:     uuid.New(),
		HealthScore:  95,
		ResponseTime: &responseTime,
	}

	mock.ExpectExec("INSERT INTO device_health").
		WithArgs(health.DeviceID, health.HealthScore, health.ResponseTime,
			health.ErrorRate, health.Uptime, health.LastErrorTime).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CreateHealthLog(context.Background(), health))
	assert.NoError(t, mock.ExpectationsWereMet())
}
