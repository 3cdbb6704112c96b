// internal/repository/device_repository.go
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cash-device-service/internal/database"
	"cash-device-service/internal/model"
)

const deviceColumns = `id, device_id, device_type, brand, model, firmware_version,
	   connection_type, connection_config, capabilities, terminal_id,
	   location, status, last_ping, error_info, created_at, updated_at`

// deviceRepository implements DeviceRepository interface
type deviceRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *database.DB, logger *zap.Logger) DeviceRepository {
	return &deviceRepository{
		db:     db,
		logger: logger,
	}
}

func scanDevice(row interface{ Scan(...interface{}) error }) (*model.Device, error) {
	device := &model.Device{}
	err := row.Scan(
		&device.ID, &device.DeviceID, &device.DeviceType, &device.Brand,
		&device.Model, &device.FirmwareVersion, &device.ConnectionType,
		&device.ConnectionConfig, &device.Capabilities, &device.TerminalID,
		&device.Location, &device.Status, &device.LastPing, &device.ErrorInfo,
		&device.CreatedAt, &device.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return device, nil
}

// Create creates a new device
func (r *deviceRepository) Create(ctx context.Context, device *model.Device) error {
	query := `
		INSERT INTO devices (
			id, device_id, device_type, brand, model, firmware_version,
			connection_type, connection_config, capabilities, terminal_id,
			location, status, error_info
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		device.ID, device.DeviceID, device.DeviceType, device.Brand,
		device.Model, device.FirmwareVersion, device.ConnectionType,
		device.ConnectionConfig, device.Capabilities, device.TerminalID,
		device.Location, device.Status, device.ErrorInfo,
	)

	if err != nil {
		r.logger.Error("Failed to create device", zap.Error(err), zap.String("device_id", device.DeviceID))
		return fmt.Errorf("failed to create device: %w", err)
	}

	r.logger.Info("Device created successfully", zap.String("device_id", device.DeviceID))
	return nil
}

// GetByID retrieves a device by its UUID
func (r *deviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM devices WHERE id = $1`, deviceColumns)

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device not found with id: %s", id)
		}
		r.logger.Error("Failed to get device by ID", zap.Error(err), zap.String("id", id.String()))
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return device, nil
}

// GetByDeviceID retrieves a device by its device ID
func (r *deviceRepository) GetByDeviceID(ctx context.Context, deviceID string) (*model.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM devices WHERE device_id = $1`, deviceColumns)

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device not found with device_id: %s", deviceID)
		}
		r.logger.Error("Failed to get device by device_id", zap.Error(err), zap.String("device_id", deviceID))
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return device, nil
}

// Update updates an existing device
func (r *deviceRepository) Update(ctx context.Context, device *model.Device) error {
	query := `
		UPDATE devices SET
			device_type = $2, brand = $3, model = $4, firmware_version = $5,
			connection_type = $6, connection_config = $7, capabilities = $8,
			terminal_id = $9, location = $10, status = $11, last_ping = $12,
			error_info = $13, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		device.ID, device.DeviceType, device.Brand, device.Model,
		device.FirmwareVersion, device.ConnectionType, device.ConnectionConfig,
		device.Capabilities, device.TerminalID, device.Location, device.Status,
		device.LastPing, device.ErrorInfo,
	)

	if err != nil {
		r.logger.Error("Failed to update device", zap.Error(err), zap.String("device_id", device.DeviceID))
		return fmt.Errorf("failed to update device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("device not found with id: %s", device.ID)
	}

	r.logger.Debug("Device updated successfully", zap.String("device_id", device.DeviceID))
	return nil
}

// UpdateStatus updates device status
func (r *deviceRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.DeviceStatus) error {
	query := `
		UPDATE devices SET status = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, status)
	if err != nil {
		r.logger.Error("Failed to update device status", zap.Error(err), zap.String("id", id.String()))
		return fmt.Errorf("failed to update device status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("device not found with id: %s", id)
	}

	return nil
}

// Delete removes a device
func (r *deviceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM devices WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		r.logger.Error("Failed to delete device", zap.Error(err), zap.String("id", id.String()))
		return fmt.Errorf("failed to delete device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("device not found with id: %s", id)
	}

	r.logger.Info("Device deleted successfully", zap.String("id", id.String()))
	return nil
}

// List retrieves devices with filtering and pagination
func (r *deviceRepository) List(ctx context.Context, filter *DeviceFilter) ([]*model.Device, int, error) {
	whereConditions := []string{}
	args := []interface{}{}
	argIndex := 1

	if filter.TerminalID != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("terminal_id = $%d", argIndex))
		args = append(args, *filter.TerminalID)
		argIndex++
	}

	if filter.DeviceType != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("device_type = $%d", argIndex))
		args = append(args, *filter.DeviceType)
		argIndex++
	}

	if filter.Brand != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("brand = $%d", argIndex))
		args = append(args, *filter.Brand)
		argIndex++
	}

	if filter.Status != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, *filter.Status)
		argIndex++
	}

	if filter.Location != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("location ILIKE $%d", argIndex))
		args = append(args, "%"+*filter.Location+"%")
		argIndex++
	}

	if filter.SearchTerm != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("(device_id ILIKE $%d OR model ILIKE $%d)", argIndex, argIndex))
		args = append(args, "%"+*filter.SearchTerm+"%")
		argIndex++
	}

	whereClause := ""
	if len(whereConditions) > 0 {
		whereClause = "WHERE " + strings.Join(whereConditions, " AND ")
	}

	// Count total records
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM devices %s", whereClause)
	var total int
	err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count devices: %w", err)
	}

	// Build ORDER BY clause
	orderBy := "created_at DESC"
	if filter.SortBy != "" {
		order := "ASC"
		if filter.SortOrder == "desc" {
			order = "DESC"
		}
		orderBy = fmt.Sprintf("%s %s", filter.SortBy, order)
	}

	offset := (filter.Page - 1) * filter.PerPage
	query := fmt.Sprintf(`
		SELECT %s
		FROM devices %s
		ORDER BY %s
		LIMIT $%d OFFSET $%d
	`, deviceColumns, whereClause, orderBy, argIndex, argIndex+1)

	args = append(args, filter.PerPage, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list devices", zap.Error(err))
		return nil, 0, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []*model.Device{}
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			r.logger.Error("Failed to scan device row", zap.Error(err))
			continue
		}
		devices = append(devices, device)
	}

	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate device rows: %w", err)
	}

	return devices, total, nil
}

// ListByTerminal retrieves devices by terminal
func (r *deviceRepository) ListByTerminal(ctx context.Context, terminalID uuid.UUID) ([]*model.Device, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM devices
		WHERE terminal_id = $1
		ORDER BY device_type, device_id
	`, deviceColumns)

	rows, err := r.db.QueryContext(ctx, query, terminalID)
	if err != nil {
		r.logger.Error("Failed to list devices by terminal", zap.Error(err))
		return nil, fmt.Errorf("failed to list devices by terminal: %w", err)
	}
	defer rows.Close()

	devices := []*model.Device{}
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			r.logger.Error("Failed to scan device row", zap.Error(err))
			continue
		}
		devices = append(devices, device)
	}

	return devices, nil
}

// ListByStatus retrieves devices by status
func (r *deviceRepository) ListByStatus(ctx context.Context, status model.DeviceStatus) ([]*model.Device, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM devices
		WHERE status = $1
		ORDER BY last_ping DESC
	`, deviceColumns)

	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		r.logger.Error("Failed to list devices by status", zap.Error(err))
		return nil, fmt.Errorf("failed to list devices by status: %w", err)
	}
	defer rows.Close()

	devices := []*model.Device{}
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			r.logger.Error("Failed to scan device row", zap.Error(err))
			continue
		}
		devices = append(devices, device)
	}

	return devices, nil
}

// UpdateLastPing updates device last ping time
func (r *deviceRepository) UpdateLastPing(ctx context.Context, id uuid.UUID, pingTime time.Time) error {
	query := `
		UPDATE devices SET last_ping = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query, id, pingTime)
	if err != nil {
		r.logger.Error("Failed to update last ping", zap.Error(err))
		return fmt.Errorf("failed to update last ping: %w", err)
	}

	return nil
}

// GetHealthLogs retrieves device health logs
func (r *deviceRepository) GetHealthLogs(ctx context.Context, deviceID uuid.UUID, limit int) ([]*model.DeviceHealth, error) {
	query := `
		SELECT device_id, health_score, response_time, error_rate, uptime,
			   last_error_time, recorded_at
		FROM device_health
		WHERE device_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get health logs: %w", err)
	}
	defer rows.Close()

	logs := []*model.DeviceHealth{}
	for rows.Next() {
		log := &model.DeviceHealth{}
		err := rows.Scan(&log.DeviceID, &log.HealthScore, &log.ResponseTime,
			&log.ErrorRate, &log.Uptime, &log.LastErrorTime, &log.RecordedAt)
		if err != nil {
			r.logger.Error("Failed to scan health log", zap.Error(err))
			continue
		}
		logs = append(logs, log)
	}

	return logs, nil
}

// CreateHealthLog creates a device health log
func (r *deviceRepository) CreateHealthLog(ctx context.Context, health *model.DeviceHealth) error {
	query := `
		INSERT INTO device_health (device_id, health_score, response_time, error_rate, uptime, last_error_time)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query, health.DeviceID, health.HealthScore,
		health.ResponseTime, health.ErrorRate, health.Uptime, health.LastErrorTime)
	if err != nil {
		r.logger.Error("Failed to create health log", zap.Error(err))
		return fmt.Errorf("failed to create health log: %w", err)
	}

	return nil
}

// UpdateMultipleStatus updates status for multiple devices
func (r *deviceRepository) UpdateMultipleStatus(ctx context.Context, deviceIDs []uuid.UUID, status model.DeviceStatus) error {
	if len(deviceIDs) == 0 {
		return nil
	}

	placeholders := make([]string, len(deviceIDs))
	args := make([]interface{}, len(deviceIDs)+1)

	for i, id := range deviceIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	args[len(deviceIDs)] = status

	query := fmt.Sprintf(`
		UPDATE devices SET status = $%d, updated_at = CURRENT_TIMESTAMP
		WHERE id IN (%s)
	`, len(deviceIDs)+1, strings.Join(placeholders, ","))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to update multiple device status", zap.Error(err))
		return fmt.Errorf("failed to update multiple device status: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	r.logger.Info("Updated multiple device status",
		zap.Int64("rows_affected", rowsAffected),
		zap.String("status", string(status)),
	)

	return nil
}

// GetDeviceStats retrieves device statistics
func (r *deviceRepository) GetDeviceStats(ctx context.Context, terminalID *uuid.UUID) (*DeviceStats, error) {
	whereClause := ""
	args := []interface{}{}
	if terminalID != nil {
		whereClause = "WHERE terminal_id = $1"
		args = append(args, *terminalID)
	}

	query := fmt.Sprintf(`
		SELECT device_type, brand, status, COUNT(*)
		FROM devices %s
		GROUP BY device_type, brand, status
	`, whereClause)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get device stats: %w", err)
	}
	defer rows.Close()

	stats := &DeviceStats{
		ByType:   make(map[model.DeviceType]int),
		ByBrand:  make(map[model.DeviceBrand]int),
		ByStatus: make(map[model.DeviceStatus]int),
	}

	for rows.Next() {
		var deviceType model.DeviceType
		var brand model.DeviceBrand
		var status model.DeviceStatus
		var count int

		if err := rows.Scan(&deviceType, &brand, &status, &count); err != nil {
			continue
		}

		stats.TotalDevices += count
		stats.ByType[deviceType] += count
		stats.ByBrand[brand] += count
		stats.ByStatus[status] += count

		switch status {
		case model.DeviceStatusOnline:
			stats.OnlineDevices += count
		case model.DeviceStatusOffline:
			stats.OfflineDevices += count
		case model.DeviceStatusError:
			stats.ErrorDevices += count
		}
	}

	return stats, nil
}
