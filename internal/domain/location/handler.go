package location

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/locations/internal/platform/auth"
	"github.com/ehr/locations/internal/platform/fhir"
)

// Scopes checked by the HTTP routes.
const (
	ScopeRead  = "read:location_all"
	ScopeWrite = "write:location"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	read := api.Group("/location", auth.RequireScope(ScopeRead))
	read.GET("/search", h.SearchLocations)
	read.POST("/search", h.SearchLocationsByIds)
	read.GET("/export", h.ExportHierarchy)
	read.GET("/:location_id", h.GetLocation)
	read.GET("/:location_id/ancestors", h.GetAncestors)

	write := api.Group("/location", auth.RequireScope(ScopeWrite))
	write.POST("", h.CreateLocation)
	write.POST("/bulk", h.BulkCreateLocations)
	write.POST("/import", h.ImportHierarchy)
	write.PATCH("/:location_id", h.UpdateLocation)
	write.DELETE("/:location_id", h.DeactivateLocation)

	fhirGroup.GET("/Location/:id", h.GetLocationFHIR, auth.RequireScope(ScopeRead))
}

// requestContext tags the request context with the caller for audit fields.
func requestContext(c echo.Context) context.Context {
	ctx := c.Request().Context()
	if uid := auth.UserIDFromContext(ctx); uid != "" {
		ctx = WithActor(ctx, uid)
	}
	return ctx
}

// statusClientClosedRequest is the nginx code for a caller that went away.
const statusClientClosedRequest = 499

// httpError maps service errors onto HTTP status codes.
func httpError(err error) error {
	var ve *ValidationError
	var nf *NotFoundError
	var ce *ConflictError
	var se *StorageError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"message":    ve.Error(),
			"violations": ve.Violations,
		})
	case errors.As(err, &nf):
		return echo.NewHTTPError(http.StatusNotFound, nf.Error())
	case errors.As(err, &ce):
		return echo.NewHTTPError(http.StatusConflict, ce.Error())
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(statusClientClosedRequest, "request canceled").SetInternal(err)
	case errors.As(err, &se), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable").SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func locationID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("location_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid location_id")
	}
	return id, nil
}

func boolParam(c echo.Context, name string) (*bool, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid boolean for "+name)
	}
	return &b, nil
}

func flag(c echo.Context, name string) (bool, error) {
	b, err := boolParam(c, name)
	if err != nil || b == nil {
		return false, err
	}
	return *b, nil
}

// splitList accepts repeated parameters as well as pipe-separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, "|") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func criteriaFromQuery(c echo.Context) (Criteria, error) {
	var crit Criteria
	var err error
	q := c.QueryParams()
	crit.LocationTypes = splitList(q["location_types"])
	crit.ProductNames = splitList(q["product_name"])
	crit.ODSCode = c.QueryParam("ods_code")
	crit.NameContains = c.QueryParam("name")
	if p := c.QueryParam("parent"); p != "" {
		id, perr := uuid.Parse(p)
		if perr != nil {
			return crit, echo.NewHTTPError(http.StatusBadRequest, "invalid parent")
		}
		crit.ParentID = &id
	}
	if crit.Active, err = boolParam(c, "active"); err != nil {
		return crit, err
	}
	if crit.IncludeInactive, err = flag(c, "include_inactive"); err != nil {
		return crit, err
	}
	if crit.Compact, err = flag(c, "compact"); err != nil {
		return crit, err
	}
	if crit.Children, err = flag(c, "children"); err != nil {
		return crit, err
	}
	return crit, nil
}

// decodeBody decodes the JSON body into v. Errors raised by the body reader
// itself, such as the size limit, pass through unchanged.
func decodeBody(c echo.Context, v interface{}) error {
	if err := json.NewDecoder(c.Request().Body).Decode(v); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return nil
}

func (h *Handler) CreateLocation(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	loc, err := h.svc.CreateLocation(requestContext(c), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, loc)
}

func (h *Handler) BulkCreateLocations(c echo.Context) error {
	var entries []BulkEntry
	if err := decodeBody(c, &entries); err != nil {
		return err
	}
	locs, err := h.svc.BulkCreateLocations(requestContext(c), entries)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, locs)
}

func (h *Handler) UpdateLocation(c echo.Context) error {
	id, err := locationID(c)
	if err != nil {
		return err
	}
	var patch Patch
	if err := decodeBody(c, &patch); err != nil {
		return err
	}
	loc, err := h.svc.UpdateLocation(requestContext(c), id, patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, loc)
}

func (h *Handler) DeactivateLocation(c echo.Context) error {
	id, err := locationID(c)
	if err != nil {
		return err
	}
	loc, err := h.svc.DeactivateLocation(requestContext(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, loc)
}

func (h *Handler) GetLocation(c echo.Context) error {
	id, err := locationID(c)
	if err != nil {
		return err
	}
	opts := GetOptions{ReturnParentOfType: c.QueryParam("return_parent_of_type")}
	if opts.Children, err = flag(c, "children"); err != nil {
		return err
	}
	if opts.Compact, err = flag(c, "compact"); err != nil {
		return err
	}
	view, err := h.svc.GetLocation(requestContext(c), id, opts)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) GetAncestors(c echo.Context) error {
	id, err := locationID(c)
	if err != nil {
		return err
	}
	chain, err := h.svc.AncestorChain(requestContext(c), id)
	if err != nil {
		return httpError(err)
	}
	if chain == nil {
		chain = []*Location{}
	}
	return c.JSON(http.StatusOK, chain)
}

func (h *Handler) SearchLocations(c echo.Context) error {
	crit, err := criteriaFromQuery(c)
	if err != nil {
		return err
	}
	views, err := h.svc.SearchLocations(requestContext(c), crit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, keyedViews(nil, views))
}

// SearchLocationsByIds answers with an object keyed by every requested id.
// Ids that do not exist or fail the query filters map to null.
func (h *Handler) SearchLocationsByIds(c echo.Context) error {
	var ids []uuid.UUID
	if err := json.NewDecoder(c.Request().Body).Decode(&ids); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body must be a list of location uuids")
	}
	crit, err := criteriaFromQuery(c)
	if err != nil {
		return err
	}
	views, err := h.svc.SearchLocationsByIds(requestContext(c), ids, crit)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, keyedViews(ids, views))
}

// keyedViews maps views by uuid. Every id in want gets an entry, null when
// no view matched it.
func keyedViews(want []uuid.UUID, views []*View) map[string]*View {
	out := make(map[string]*View, len(want)+len(views))
	for _, id := range want {
		out[id.String()] = nil
	}
	for _, v := range views {
		out[v.ID.String()] = v
	}
	return out
}

func (h *Handler) ExportHierarchy(c echo.Context) error {
	crit, err := criteriaFromQuery(c)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := h.svc.ExportHierarchy(requestContext(c), &buf, crit); err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="locations.xlsx"`)
	return c.Blob(http.StatusOK, xlsxContentType, buf.Bytes())
}

func (h *Handler) ImportHierarchy(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	locs, err := h.svc.ImportHierarchy(requestContext(c), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, locs)
}

func (h *Handler) GetLocationFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid id"))
	}
	view, err := h.svc.GetLocation(requestContext(c), id, GetOptions{})
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Location", c.Param("id")))
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ToFHIR(view.Location, h.svc.Types()))
}
