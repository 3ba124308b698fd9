package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/notifications"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const projectIDQuery = "projectId"

type notificationListResponse struct {
	Notifications []notifications.Notification `json:"notifications"`
}

type countResponse struct {
	ProjectID string `json:"projectId,omitempty"`
	Count     int64  `json:"count"`
}

type projectEventRequest struct {
	Type       string `json:"type"`
	Subject    string `json:"subject"`
	EntityID   string `json:"entityId"`
	EntityType string `json:"entityType"`
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	projectID := strings.TrimSpace(c.Query(projectIDQuery))

	var (
		listed []notifications.Notification
		err    error
	)
	if strings.EqualFold(c.Query("unread"), "true") {
		listed, err = h.store.ListUnread(c.Request.Context(), userID, projectID)
	} else {
		listed, err = h.store.ListAll(c.Request.Context(), userID, projectID)
	}
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, notificationListResponse{Notifications: listed})
}

func (h *httpHandler) handleCountNotifications(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	projectID := strings.TrimSpace(c.Query(projectIDQuery))
	count, err := h.store.CountUnread(c.Request.Context(), userID, projectID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, countResponse{ProjectID: projectID, Count: count})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	owned, ok := h.loadOwned(c, userID)
	if !ok {
		return
	}
	updated, err := h.store.MarkRead(ctx, owned.ID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	h.pushCounts(ctx, userID, []string{updated.ProjectID})
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	projectID := strings.TrimSpace(c.Query(projectIDQuery))
	ctx := c.Request.Context()

	affected, err := h.affectedProjects(ctx, userID, projectID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	count, err := h.store.MarkAllRead(ctx, userID, projectID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	h.pushCounts(ctx, userID, affected)
	c.JSON(http.StatusOK, countResponse{ProjectID: projectID, Count: count})
}

func (h *httpHandler) handleDeleteNotification(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	owned, ok := h.loadOwned(c, userID)
	if !ok {
		return
	}
	if err := h.store.Delete(ctx, owned.ID); err != nil {
		writeStoreError(c, err)
		return
	}
	if !owned.IsRead {
		h.pushCounts(ctx, userID, []string{owned.ProjectID})
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteAll(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	projectID := strings.TrimSpace(c.Query(projectIDQuery))
	ctx := c.Request.Context()

	affected, err := h.affectedProjects(ctx, userID, projectID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	deleted, err := h.store.DeleteAll(ctx, userID, projectID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	h.pushCounts(ctx, userID, affected)
	c.JSON(http.StatusOK, countResponse{ProjectID: projectID, Count: deleted})
}

func (h *httpHandler) handleProjectEvent(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	projectID := strings.TrimSpace(c.Param("projectId"))
	ctx := c.Request.Context()

	var request projectEventRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	eventType, err := notifications.ParseType(request.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type"})
		return
	}

	isMember, err := h.members.IsMember(ctx, projectID, userID)
	if err != nil {
		h.logger.Error("project membership check failed", zap.String("project_id", projectID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership_unavailable"})
		return
	}
	if !isMember {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	created, err := h.notifier.Notify(ctx, notifications.Event{
		ProjectID:  projectID,
		Type:       eventType,
		Subject:    request.Subject,
		EntityID:   request.EntityID,
		EntityType: request.EntityType,
		ActorID:    userID,
	})
	if err != nil {
		h.logger.Error("project event fan-out failed",
			zap.String("project_id", projectID),
			zap.String("type", string(eventType)),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "fan_out_failed"})
		return
	}
	c.JSON(http.StatusCreated, notificationListResponse{Notifications: created})
}

func (h *httpHandler) handleProjectConnections(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param("projectId"))
	c.JSON(http.StatusOK, gin.H{
		"projectId":   projectID,
		"connections": h.gateway.ConnectionsForProject(projectID),
	})
}

// loadOwned fetches the notification named in the path, answering 404 for rows of other users.
func (h *httpHandler) loadOwned(c *gin.Context, userID string) (notifications.Notification, bool) {
	notification, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err == nil && notification.UserID != userID {
		err = notifications.ErrNotFound
	}
	if err != nil {
		writeStoreError(c, err)
		return notifications.Notification{}, false
	}
	return notification, true
}

// affectedProjects lists the projects whose unread count a bulk mutation will change.
func (h *httpHandler) affectedProjects(ctx context.Context, userID, projectID string) ([]string, error) {
	if projectID != notifications.AllProjects {
		return []string{projectID}, nil
	}
	unread, err := h.store.ListUnread(ctx, userID, notifications.AllProjects)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(unread))
	projectIDs := make([]string, 0, len(unread))
	for _, notification := range unread {
		if _, ok := seen[notification.ProjectID]; ok {
			continue
		}
		seen[notification.ProjectID] = struct{}{}
		projectIDs = append(projectIDs, notification.ProjectID)
	}
	return projectIDs, nil
}

func (h *httpHandler) pushCounts(ctx context.Context, userID string, projectIDs []string) {
	for _, projectID := range projectIDs {
		if err := h.notifier.PushUnreadCount(ctx, projectID, userID); err != nil {
			h.logger.Warn("unread count push failed",
				zap.String("user_id", userID),
				zap.String("project_id", projectID),
				zap.Error(err))
		}
	}
}

func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, notifications.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, notifications.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		code := "storage_failure"
		var storeErr *notifications.StoreError
		if errors.As(err, &storeErr) {
			code = storeErr.Code()
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
	}
}
