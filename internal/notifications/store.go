package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the notification does not exist.
	ErrNotFound = errors.New("notifications: not found")
	// ErrStorage wraps failures reported by the underlying database.
	ErrStorage = errors.New("notifications: storage failure")
	// ErrInvalidArgument indicates a required identifier was empty.
	ErrInvalidArgument = errors.New("notifications: invalid argument")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// StoreError carries an "operation.reason" code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew    = "notifications.store.new"
	opCreate      = "notifications.create"
	opGet         = "notifications.get"
	opListUnread  = "notifications.list_unread"
	opListAll     = "notifications.list_all"
	opCountUnread = "notifications.count_unread"
	opMarkRead    = "notifications.mark_read"
	opMarkAllRead = "notifications.mark_all_read"
	opDelete      = "notifications.delete"
	opDeleteAll   = "notifications.delete_all"

	reasonMissingID       = "missing_id"
	reasonMissingUserID   = "missing_user_id"
	reasonMissingProject  = "missing_project_id"
	reasonIDGeneration    = "id_generation_failed"
	reasonInsertFailed    = "insert_failed"
	reasonQueryFailed     = "query_failed"
	reasonUpdateFailed    = "update_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonNotFound        = "not_found"
	orderNewestFirst      = "created_at DESC, id DESC"
	queryByID             = "id = ?"
	queryUnread           = "is_read = ?"
	fieldNotificationID   = "notification_id"
	fieldUserID           = "user_id"
	fieldProjectID        = "project_id"
	columnIsRead          = "is_read"
	logMessageStoreFailed = "notification store error"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: operation + "." + reason, err: cause}
}

func storageFailure(operation, reason string, cause error) error {
	return newStoreError(operation, reason, errors.Join(ErrStorage, cause))
}

// StoreConfig describes the dependencies of the notification store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store persists notification rows and answers the read patterns of the realtime layer.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateParams describes a single-recipient notification row.
type CreateParams struct {
	RecipientID string
	ProjectID   string
	Type        Type
	Message     string
	EntityID    string
	EntityType  string
	TriggeredBy string
}

// Create inserts a new unread notification.
func (s *Store) Create(ctx context.Context, params CreateParams) (Notification, error) {
	recipientID := strings.TrimSpace(params.RecipientID)
	projectID := strings.TrimSpace(params.ProjectID)
	if recipientID == "" {
		return Notification{}, newStoreError(opCreate, reasonMissingUserID, ErrInvalidArgument)
	}
	if projectID == "" {
		return Notification{}, newStoreError(opCreate, reasonMissingProject, ErrInvalidArgument)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, reasonIDGeneration, err, zap.String(fieldUserID, recipientID))
		return Notification{}, storageFailure(opCreate, reasonIDGeneration, err)
	}

	notification := Notification{
		ID:          id,
		Message:     params.Message,
		Type:        params.Type,
		UserID:      recipientID,
		ProjectID:   projectID,
		EntityID:    optionalString(params.EntityID),
		EntityType:  optionalString(params.EntityType),
		TriggeredBy: optionalString(params.TriggeredBy),
		IsRead:      false,
		CreatedAt:   s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		s.logError(opCreate, reasonInsertFailed, err,
			zap.String(fieldUserID, recipientID),
			zap.String(fieldProjectID, projectID))
		return Notification{}, storageFailure(opCreate, reasonInsertFailed, err)
	}
	return notification, nil
}

// Get loads a notification by id.
func (s *Store) Get(ctx context.Context, notificationID string) (Notification, error) {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return Notification{}, newStoreError(opGet, reasonMissingID, ErrNotFound)
	}
	var notification Notification
	err := s.db.WithContext(ctx).Where(queryByID, notificationID).Take(&notification).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Notification{}, newStoreError(opGet, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String(fieldNotificationID, notificationID))
		return Notification{}, storageFailure(opGet, reasonQueryFailed, err)
	}
	return notification, nil
}

// ListUnread returns the user's unread notifications, newest first.
func (s *Store) ListUnread(ctx context.Context, userID, projectID string) ([]Notification, error) {
	return s.list(ctx, opListUnread, userID, projectID, true)
}

// ListAll returns every notification of the user, newest first.
func (s *Store) ListAll(ctx context.Context, userID, projectID string) ([]Notification, error) {
	return s.list(ctx, opListAll, userID, projectID, false)
}

func (s *Store) list(ctx context.Context, operation, userID, projectID string, unreadOnly bool) ([]Notification, error) {
	query, err := s.scoped(ctx, operation, userID, projectID)
	if err != nil {
		return nil, err
	}
	if unreadOnly {
		query = query.Where(queryUnread, false)
	}
	notifications := make([]Notification, 0)
	if err := query.Order(orderNewestFirst).Find(&notifications).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err,
			zap.String(fieldUserID, userID),
			zap.String(fieldProjectID, projectID))
		return nil, storageFailure(operation, reasonQueryFailed, err)
	}
	return notifications, nil
}

// CountUnread counts the user's unread notifications.
func (s *Store) CountUnread(ctx context.Context, userID, projectID string) (int64, error) {
	query, err := s.scoped(ctx, opCountUnread, userID, projectID)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := query.Model(&Notification{}).Where(queryUnread, false).Count(&count).Error; err != nil {
		s.logError(opCountUnread, reasonQueryFailed, err,
			zap.String(fieldUserID, userID),
			zap.String(fieldProjectID, projectID))
		return 0, storageFailure(opCountUnread, reasonQueryFailed, err)
	}
	return count, nil
}

// MarkRead flags a notification as read. Marking an already read notification succeeds.
func (s *Store) MarkRead(ctx context.Context, notificationID string) (Notification, error) {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return Notification{}, newStoreError(opMarkRead, reasonMissingID, ErrNotFound)
	}
	db := s.db.WithContext(ctx)
	if err := db.Model(&Notification{}).
		Where(queryByID, notificationID).
		Where(queryUnread, false).
		Update(columnIsRead, true).Error; err != nil {
		s.logError(opMarkRead, reasonUpdateFailed, err, zap.String(fieldNotificationID, notificationID))
		return Notification{}, storageFailure(opMarkRead, reasonUpdateFailed, err)
	}

	var notification Notification
	err := db.Where(queryByID, notificationID).Take(&notification).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Notification{}, newStoreError(opMarkRead, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opMarkRead, reasonQueryFailed, err, zap.String(fieldNotificationID, notificationID))
		return Notification{}, storageFailure(opMarkRead, reasonQueryFailed, err)
	}
	return notification, nil
}

// MarkAllRead flags every unread notification in scope and returns how many changed.
func (s *Store) MarkAllRead(ctx context.Context, userID, projectID string) (int64, error) {
	query, err := s.scoped(ctx, opMarkAllRead, userID, projectID)
	if err != nil {
		return 0, err
	}
	result := query.Model(&Notification{}).Where(queryUnread, false).Update(columnIsRead, true)
	if result.Error != nil {
		s.logError(opMarkAllRead, reasonUpdateFailed, result.Error,
			zap.String(fieldUserID, userID),
			zap.String(fieldProjectID, projectID))
		return 0, storageFailure(opMarkAllRead, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// Delete removes a notification permanently.
func (s *Store) Delete(ctx context.Context, notificationID string) error {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return newStoreError(opDelete, reasonMissingID, ErrNotFound)
	}
	result := s.db.WithContext(ctx).Where(queryByID, notificationID).Delete(&Notification{})
	if result.Error != nil {
		s.logError(opDelete, reasonDeleteFailed, result.Error, zap.String(fieldNotificationID, notificationID))
		return storageFailure(opDelete, reasonDeleteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newStoreError(opDelete, reasonNotFound, ErrNotFound)
	}
	return nil
}

// DeleteAll removes every notification in scope and returns how many were deleted.
func (s *Store) DeleteAll(ctx context.Context, userID, projectID string) (int64, error) {
	query, err := s.scoped(ctx, opDeleteAll, userID, projectID)
	if err != nil {
		return 0, err
	}
	result := query.Delete(&Notification{})
	if result.Error != nil {
		s.logError(opDeleteAll, reasonDeleteFailed, result.Error,
			zap.String(fieldUserID, userID),
			zap.String(fieldProjectID, projectID))
		return 0, storageFailure(opDeleteAll, reasonDeleteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Store) scoped(ctx context.Context, operation, userID, projectID string) (*gorm.DB, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, newStoreError(operation, reasonMissingUserID, ErrInvalidArgument)
	}
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if projectID = strings.TrimSpace(projectID); projectID != AllProjects {
		query = query.Where("project_id = ?", projectID)
	}
	return query, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error(logMessageStoreFailed, attrs...)
}
