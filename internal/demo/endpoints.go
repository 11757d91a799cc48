package demo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/polisai/polis-apikit/pkg/binding"
	"github.com/polisai/polis-apikit/pkg/domain"
	"github.com/polisai/polis-apikit/pkg/handler"
)

// CodeStoreFull is the exception code raised when the user store is full.
const CodeStoreFull = 50010

// Routes served by Register.
const (
	RouteIndex      = "/index"
	RouteUserCreate = "/user/create"
	RouteUserShow   = "/user/show"
	RouteUserList   = "/user"
)

// APIErrUserExists is returned when creating a duplicate user.
var APIErrUserExists = domain.APIError{Key: "USER_EXISTS", Message: "user already exists"}

// APIErrUserNotFound is returned when a user lookup misses.
var APIErrUserNotFound = domain.APIError{Key: "USER_NOT_FOUND", Message: "user not found"}

// Register mounts the demo endpoints on mux.
func Register(mux *http.ServeMux, store *UserStore, opts handler.Options) {
	mux.Handle(RouteIndex, handler.New[IndexQuery](IndexEndpoint{}, opts))
	mux.Handle(RouteUserList, handler.New[ListQuery](&UserListEndpoint{Store: store}, opts))
	mux.Handle(RouteUserShow, handler.New[ShowUserQuery](&UserShowEndpoint{Store: store}, opts))
	mux.Handle(RouteUserCreate, handler.New[CreateUserBody](&UserCreateEndpoint{Store: store}, opts))
}

// IndexQuery is the optional query of the index endpoint.
type IndexQuery struct {
	Name string `json:"name"`
}

// IndexEndpoint greets the caller and echoes the ambient request values.
type IndexEndpoint struct{}

// Config implements handler.Endpoint.
func (IndexEndpoint) Config() domain.HandlerConfig {
	return domain.HandlerConfig{CheckRequest: true}
}

// Handle implements handler.Endpoint.
func (IndexEndpoint) Handle(_ context.Context, c *handler.Controller, q *IndexQuery) (any, error) {
	name := q.Name
	if name == "" {
		name = "world"
	}
	return map[string]any{
		"greeting":   "hello " + name,
		"action":     c.Action(),
		"ip":         c.Request.IP,
		"version":    c.Request.Version,
		"request_id": c.Request.RequestID,
	}, nil
}

// ListQuery is the query of the user list endpoint.
type ListQuery struct{}

// UserListEndpoint lists stored users.
type UserListEndpoint struct {
	Store *UserStore
}

// Config implements handler.Endpoint.
func (*UserListEndpoint) Config() domain.HandlerConfig {
	return domain.HandlerConfig{NeedToken: true, CheckRequest: true}
}

// Handle implements handler.Endpoint.
func (e *UserListEndpoint) Handle(context.Context, *handler.Controller, *ListQuery) (any, error) {
	return map[string]any{"users": e.Store.List()}, nil
}

// ShowUserQuery selects the user to show.
type ShowUserQuery struct {
	Name string `json:"name"`
}

// CheckFieldValue implements binding.FieldChecker.
func (q *ShowUserQuery) CheckFieldValue() string {
	if strings.TrimSpace(q.Name) == "" {
		return "name is required"
	}
	return binding.CheckSuccess
}

// UserShowEndpoint returns one user.
type UserShowEndpoint struct {
	Store *UserStore
}

// Config implements handler.Endpoint.
func (*UserShowEndpoint) Config() domain.HandlerConfig {
	return domain.HandlerConfig{NeedToken: true, CheckRequest: true, CheckMethod: true}
}

// Handle implements handler.Endpoint.
func (e *UserShowEndpoint) Handle(_ context.Context, c *handler.Controller, q *ShowUserQuery) (any, error) {
	user, ok := e.Store.Get(q.Name)
	if !ok {
		c.SetAPIError(APIErrUserNotFound)
		return c.Result(domain.CodeAPIError), nil
	}
	return user, nil
}

// CreateUserBody is the body of the user create endpoint.
type CreateUserBody struct {
	Name  string      `json:"name"`
	Age   binding.Int `json:"age"`
	Email string      `json:"email"`
	Tags  []string    `json:"tags"`
}

// CheckFieldValue implements binding.FieldChecker.
func (b *CreateUserBody) CheckFieldValue() string {
	switch {
	case strings.TrimSpace(b.Name) == "":
		return "name is required"
	case b.Age < 1 || b.Age > 150:
		return "age must be between 1 and 150"
	case !strings.Contains(b.Email, "@"):
		return "email is invalid"
	}
	return binding.CheckSuccess
}

// UserCreateEndpoint stores a new user. A full store raises an exception.
type UserCreateEndpoint struct {
	Store *UserStore
}

// Config implements handler.Endpoint.
func (*UserCreateEndpoint) Config() domain.HandlerConfig {
	return domain.HandlerConfig{NeedToken: true, CheckRequest: true, CheckMethod: true}
}

// Handle implements handler.Endpoint.
func (e *UserCreateEndpoint) Handle(ctx context.Context, c *handler.Controller, b *CreateUserBody) (any, error) {
	user := User{Name: b.Name, Age: int64(b.Age), Email: b.Email, Tags: b.Tags}

	err := e.Store.Add(user)
	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, ErrUserExists):
		c.SetAPIError(APIErrUserExists)
		return c.Result(domain.CodeAPIError), nil
	case errors.Is(err, ErrStoreFull):
		return nil, c.Raise(ctx, "user store is full", CodeStoreFull, map[string]any{"name": b.Name})
	default:
		return nil, fmt.Errorf("add user: %w", err)
	}
}
