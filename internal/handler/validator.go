package handler

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// RequestValidator адаптирует go-playground/validator к echo.Validator.
type RequestValidator struct {
	validate *validator.Validate
}

// NewRequestValidator создает валидатор DTO запросов.
func NewRequestValidator() *RequestValidator {
	return &RequestValidator{validate: validator.New()}
}

// Validate проверяет структуру запроса и превращает отказ в HTTP 400.
func (v *RequestValidator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}
