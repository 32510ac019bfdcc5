package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"tandem/api/internal/position"
	"tandem/api/internal/rbac"
	"tandem/api/internal/store"
	"tandem/api/internal/topic"
	"tandem/api/internal/util"
)

// Board events, published on the project's topic.
const (
	EventTaskCreated    = "task-created"
	EventTaskUpdated    = "task-updated"
	EventTaskMoved      = "task-moved"
	EventTaskDeleted    = "task-deleted"
	EventSubtaskCreated = "subtask-created"
	EventSubtaskUpdated = "subtask-updated"
	EventSubtaskMoved   = "subtask-moved"
	EventSubtaskDeleted = "subtask-deleted"
)

var taskStatuses = map[string]bool{
	"TODO":        true,
	"IN_PROGRESS": true,
	"DONE":        true,
}

var taskPriorities = map[string]bool{
	"LOW":    true,
	"MEDIUM": true,
	"HIGH":   true,
	"URGENT": true,
}

type CreateTaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	AssigneeID  string `json:"assigneeId"`
	DueDate     string `json:"dueDate"`
}

// CreateTask appends a task to the tail of its status column.
func (s *Service) CreateTask(ctx context.Context, session Session, projectID string, input CreateTaskInput) (map[string]any, error) {
	project, err := s.requireProject(ctx, session, projectID, rbac.ActionPost)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	status := input.Status
	if status == "" {
		status = "TODO"
	}
	if !taskStatuses[status] {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown status", map[string]any{"status": status})
	}
	priority := input.Priority
	if priority == "" {
		priority = "MEDIUM"
	}
	if !taskPriorities[priority] {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown priority", map[string]any{"priority": priority})
	}
	dueDate, err := parseDueDate(input.DueDate)
	if err != nil {
		return nil, err
	}

	column, err := s.store.ListColumnTasks(ctx, projectID, status)
	if err != nil {
		return nil, err
	}
	pos := float64(position.Gap)
	if len(column) > 0 {
		pos = position.End(column[len(column)-1].Position)
	}

	task, err := s.store.CreateTask(ctx, store.Task{
		ID:          util.NewID("tsk"),
		ProjectID:   projectID,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Status:      status,
		Priority:    priority,
		Position:    pos,
		AssigneeID:  input.AssigneeID,
		DueDate:     dueDate,
		CreatedBy:   session.UserID,
	})
	if err != nil {
		return nil, err
	}

	payload := taskPayload(task)
	s.broadcast(ctx, topic.Project(project.ID), EventTaskCreated, payload)
	return payload, nil
}

// ListTasks returns the project's tasks flat, ordered by column then
// position.
func (s *Service) ListTasks(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.requireProject(ctx, session, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, taskPayload(t))
	}
	return items, nil
}

// ListBoard returns the project's tasks grouped by status column, each
// column in ascending position order.
func (s *Service) ListBoard(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	if _, err := s.requireProject(ctx, session, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	columns := map[string][]map[string]any{
		"TODO":        {},
		"IN_PROGRESS": {},
		"DONE":        {},
	}
	for _, t := range tasks {
		columns[t.Status] = append(columns[t.Status], taskPayload(t))
	}
	return map[string]any{"projectId": projectID, "columns": columns}, nil
}

type MoveTaskInput struct {
	Status string `json:"status"`
	Index  int    `json:"index"`
}

// MoveTask drops a task at a display index within a status column,
// deriving the fractional position from the column's current neighbours.
// A cross-column move writes status and position together.
func (s *Service) MoveTask(ctx context.Context, session Session, taskID string, input MoveTaskInput) (map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	project, err := s.requireProject(ctx, session, task.ProjectID, rbac.ActionPost)
	if err != nil {
		return nil, err
	}
	status := input.Status
	if status == "" {
		status = task.Status
	}
	if !taskStatuses[status] {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown status", map[string]any{"status": status})
	}

	column, err := s.store.ListColumnTasks(ctx, task.ProjectID, status)
	if err != nil {
		return nil, err
	}
	// Remove the moving task from its own column before indexing so the
	// target index refers to the column as the user sees it mid-drag.
	peers := column[:0:0]
	for _, t := range column {
		if t.ID != taskID {
			peers = append(peers, t)
		}
	}
	sorted := make([]float64, len(peers))
	for i, t := range peers {
		sorted[i] = t.Position
	}

	placement := position.At(sorted, input.Index)
	var renumbered []store.TaskPlacement
	for i, key := range placement.Renumbered {
		renumbered = append(renumbered, store.TaskPlacement{TaskID: peers[i].ID, Position: key})
	}

	moved, err := s.store.MoveTask(ctx, taskID, status, placement.Position, renumbered)
	if err != nil {
		return nil, err
	}

	payload := taskPayload(moved)
	s.broadcast(ctx, topic.Project(project.ID), EventTaskMoved, payload)
	return payload, nil
}

type UpdateTaskInput struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Priority    *string `json:"priority"`
	AssigneeID  *string `json:"assigneeId"`
	DueDate     *string `json:"dueDate"`
}

// UpdateTask patches task fields. Status and position changes go through
// MoveTask so ordering keys stay consistent.
func (s *Service) UpdateTask(ctx context.Context, session Session, taskID string, input UpdateTaskInput) (map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	project, err := s.requireProject(ctx, session, task.ProjectID, rbac.ActionPost)
	if err != nil {
		return nil, err
	}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
		}
		task.Title = title
	}
	if input.Description != nil {
		task.Description = strings.TrimSpace(*input.Description)
	}
	if input.Priority != nil {
		if !taskPriorities[*input.Priority] {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown priority", map[string]any{"priority": *input.Priority})
		}
		task.Priority = *input.Priority
	}
	if input.AssigneeID != nil {
		task.AssigneeID = *input.AssigneeID
	}
	if input.DueDate != nil {
		dueDate, err := parseDueDate(*input.DueDate)
		if err != nil {
			return nil, err
		}
		task.DueDate = dueDate
	}

	updated, err := s.store.UpdateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	payload := taskPayload(updated)
	s.broadcast(ctx, topic.Project(project.ID), EventTaskUpdated, payload)
	return payload, nil
}

func (s *Service) DeleteTask(ctx context.Context, session Session, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	project, err := s.requireProject(ctx, session, task.ProjectID, rbac.ActionPost)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	s.broadcast(ctx, topic.Project(project.ID), EventTaskDeleted, map[string]any{"id": taskID})
	return nil
}

// Subtasks

// CreateSubtask appends a subtask to the tail of its task's checklist.
func (s *Service) CreateSubtask(ctx context.Context, session Session, taskID, title string) (map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	project, err := s.requireProject(ctx, session, task.ProjectID, rbac.ActionPost)
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	siblings, err := s.store.ListSubtasks(ctx, taskID)
	if err != nil {
		return nil, err
	}
	pos := float64(position.Gap)
	if len(siblings) > 0 {
		pos = position.End(siblings[len(siblings)-1].Position)
	}

	subtask, err := s.store.CreateSubtask(ctx, store.Subtask{
		ID:       util.NewID("sub"),
		TaskID:   taskID,
		Title:    title,
		Position: pos,
	})
	if err != nil {
		return nil, err
	}
	payload := subtaskPayload(subtask)
	s.broadcast(ctx, topic.Project(project.ID), EventSubtaskCreated, payload)
	return payload, nil
}

func (s *Service) ListSubtasks(ctx context.Context, session Session, taskID string) ([]map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireProject(ctx, session, task.ProjectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	subtasks, err := s.store.ListSubtasks(ctx, taskID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(subtasks))
	for _, st := range subtasks {
		items = append(items, subtaskPayload(st))
	}
	return items, nil
}

// MoveSubtask drops a subtask at a display index within its checklist.
func (s *Service) MoveSubtask(ctx context.Context, session Session, subtaskID string, index int) (map[string]any, error) {
	subtask, err := s.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, subtask.TaskID)
	if err != nil {
		return nil, err
	}
	project, err := s.requireProject(ctx, session, task.ProjectID, rbac.ActionPost)
	if err != nil {
		return nil, err
	}

	siblings, err := s.store.ListSubtasks(ctx, subtask.TaskID)
	if err != nil {
		return nil, err
	}
	peers := siblings[:0:0]
	for _, st := range siblings {
		if st.ID != subtaskID {
			peers = append(peers, st)
		}
	}
	sorted := make([]float64, len(peers))
	for i, st := range peers {
		sorted[i] = st.Position
	}
	placement := position.At(sorted, index)
	var renumbered []store.SubtaskPlacement
	for i, key := range placement.Renumbered {
		renumbered = append(renumbered, store.SubtaskPlacement{SubtaskID: peers[i].ID, Position: key})
	}

	moved, err := s.store.MoveSubtask(ctx, subtaskID, placement.Position, renumbered)
	if err != nil {
		return nil, err
	}
	payload := subtaskPayload(moved)
	s.broadcast(ctx, topic.Project(project.ID), EventSubtaskMoved, payload)
	return payload, nil
}

type UpdateSubtaskInput struct {
	Title *string `json:"title"`
	Done  *bool   `json:"done"`
}

func (s *Service) UpdateSubtask(ctx context.Context, session Session, subtaskID string, input UpdateSubtaskInput) (map[string]any, error) {
	subtask, err := s.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, subtask.TaskID)
	if err != nil {
		return nil, err
	}
	project, err := s.requireProject(ctx, session, task.ProjectID, rbac.ActionPost)
	if err != nil {
		return nil, err
	}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
		}
		subtask.Title = title
	}
	if input.Done != nil {
		subtask.Done = *input.Done
	}

	updated, err := s.store.UpdateSubtask(ctx, subtask)
	if err != nil {
		return nil, err
	}
	payload := subtaskPayload(updated)
	s.broadcast(ctx, topic.Project(project.ID), EventSubtaskUpdated, payload)
	return payload, nil
}

func (s *Service) DeleteSubtask(ctx context.Context, session Session, subtaskID string) error {
	subtask, err := s.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	task, err := s.store.GetTask(ctx, subtask.TaskID)
	if err != nil {
		return err
	}
	project, err := s.requireProject(ctx, session, task.ProjectID, rbac.ActionPost)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSubtask(ctx, subtaskID); err != nil {
		return err
	}
	s.broadcast(ctx, topic.Project(project.ID), EventSubtaskDeleted, map[string]any{"id": subtaskID, "taskId": subtask.TaskID})
	return nil
}

// requireProject resolves the project and checks the caller's role in its
// workspace.
func (s *Service) requireProject(ctx context.Context, session Session, projectID string, action rbac.Action) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if err := s.requireRole(ctx, session, project.WorkspaceID, action); err != nil {
		return store.Project{}, err
	}
	return project, nil
}

func parseDueDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	due, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		due, err = time.Parse("2006-01-02", raw)
	}
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dueDate must be RFC 3339 or YYYY-MM-DD", nil)
	}
	return &due, nil
}

func taskPayload(t store.Task) map[string]any {
	payload := map[string]any{
		"id":          t.ID,
		"projectId":   t.ProjectID,
		"title":       t.Title,
		"description": t.Description,
		"status":      t.Status,
		"priority":    t.Priority,
		"position":    t.Position,
		"createdBy":   t.CreatedBy,
		"createdAt":   t.CreatedAt.Unix(),
		"updatedAt":   t.UpdatedAt.Unix(),
	}
	if t.AssigneeID != "" {
		payload["assigneeId"] = t.AssigneeID
	}
	if t.DueDate != nil {
		payload["dueDate"] = t.DueDate.Format(time.RFC3339)
	}
	return payload
}

func subtaskPayload(st store.Subtask) map[string]any {
	return map[string]any{
		"id":        st.ID,
		"taskId":    st.TaskID,
		"title":     st.Title,
		"done":      st.Done,
		"position":  st.Position,
		"createdAt": st.CreatedAt.Unix(),
		"updatedAt": st.UpdatedAt.Unix(),
	}
}
