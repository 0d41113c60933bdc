package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/skuflow/skuflow/internal/model"
	"github.com/skuflow/skuflow/internal/repository"
)

type productRequest struct {
	SKU         string  `json:"sku"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Active      *bool   `json:"active"`
}

func (s *Server) handleProductList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.ProductFilter{
		SKU:         q.Get("sku"),
		Name:        q.Get("name"),
		Description: q.Get("description"),
		Page:        parsePage(q.Get("page"), 1),
		PageSize:    parsePage(q.Get("page_size"), 20),
	}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "active must be true or false")
			return
		}
		filter.Active = &active
	}
	if filter.PageSize > 100 {
		filter.PageSize = 100
	}

	products, total, err := s.products.List(r.Context(), filter)
	if err != nil {
		s.log.Error("list products failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to list products")
		return
	}
	if products == nil {
		products = []*model.Product{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"products":  products,
		"total":     total,
		"page":      filter.Page,
		"page_size": filter.PageSize,
	})
}

func (s *Server) handleProductCreate(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sku := strings.ToLower(strings.TrimSpace(req.SKU))
	name := strings.TrimSpace(req.Name)
	if sku == "" || name == "" {
		respondError(w, http.StatusBadRequest, "sku and name are required")
		return
	}

	product := &model.Product{
		SKU:         sku,
		Name:        name,
		Description: req.Description,
	}
	if req.Active != nil {
		product.Active = *req.Active
	}

	if err := s.products.Create(r.Context(), product); err != nil {
		if errors.Is(err, repository.ErrDuplicateSKU) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		s.log.Error("create product failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to create product")
		return
	}

	s.trigger.Notify(context.WithoutCancel(r.Context()), model.EventRecordCreated, product)
	respondJSON(w, http.StatusCreated, product)
}

func (s *Server) handleProductGet(w http.ResponseWriter, r *http.Request) {
	product, err := s.products.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error("get product failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to load product")
		return
	}
	respondJSON(w, http.StatusOK, product)
}

func (s *Server) handleProductUpdate(w http.ResponseWriter, r *http.Request) {
	product, err := s.products.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error("get product failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to load product")
		return
	}

	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SKU != "" {
		product.SKU = strings.ToLower(strings.TrimSpace(req.SKU))
	}
	if req.Name != "" {
		product.Name = strings.TrimSpace(req.Name)
	}
	if req.Description != nil {
		product.Description = req.Description
	}
	if req.Active != nil {
		product.Active = *req.Active
	}
	if product.SKU == "" || product.Name == "" {
		respondError(w, http.StatusBadRequest, "sku and name are required")
		return
	}

	if err := s.products.Update(r.Context(), product); err != nil {
		switch {
		case errors.Is(err, repository.ErrProductNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, repository.ErrDuplicateSKU):
			respondError(w, http.StatusConflict, err.Error())
		default:
			s.log.Error("update product failed", slog.String("err", err.Error()))
			respondError(w, http.StatusInternalServerError, "failed to update product")
		}
		return
	}

	s.trigger.Notify(context.WithoutCancel(r.Context()), model.EventRecordUpdated, product)
	respondJSON(w, http.StatusOK, product)
}

func (s *Server) handleProductDelete(w http.ResponseWriter, r *http.Request) {
	// The snapshot is loaded first so the deletion event can carry the final
	// state of the record.
	product, err := s.products.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error("get product failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to load product")
		return
	}

	if err := s.products.Delete(r.Context(), product.ID); err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error("delete product failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to delete product")
		return
	}

	s.trigger.Notify(context.WithoutCancel(r.Context()), model.EventRecordDeleted, product)
	w.WriteHeader(http.StatusNoContent)
}

func parsePage(raw string, fallback uint64) uint64 {
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || n == 0 {
		return fallback
	}
	return n
}
