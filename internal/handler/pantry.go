package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/pantry/internal/auth"
	"github.com/dukerupert/pantry/internal/store"
	"github.com/dukerupert/pantry/internal/validate"
	ws "github.com/dukerupert/pantry/internal/websocket"
)

const maxNameLength = 100

var (
	deleteShelfSchema = validate.Schema{
		"shelfId": {validate.ID("Shelf ID is required")},
	}
	saveShelfNameSchema = validate.Schema{
		"shelfId": {validate.ID("Shelf ID is required")},
		"shelfName": {
			validate.MinLength(1, "Shelf name cannot be blank"),
			validate.MaxLength(maxNameLength, "Shelf name is too long"),
		},
	}
	createShelfItemSchema = validate.Schema{
		"shelfId": {validate.ID("Shelf ID is required")},
		"itemName": {
			validate.MinLength(1, "Item name cannot be blank"),
			validate.MaxLength(maxNameLength, "Item name is too long"),
		},
	}
	deleteShelfItemSchema = validate.Schema{
		"itemId": {validate.ID("Item ID is required")},
	}
)

type PantryHandler struct {
	shelves *store.ShelfStore
	hub     *ws.Hub
	logger  *slog.Logger
}

func NewPantryHandler(ss *store.ShelfStore, hub *ws.Hub, logger *slog.Logger) *PantryHandler {
	return &PantryHandler{shelves: ss, hub: hub, logger: logger}
}

// Home describes the signed-in user.
func (h *PantryHandler) Home(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    ac.UserID,
		"email": ac.Email,
	})
}

// List returns the user's shelves whose name contains q, newest first.
func (h *PantryHandler) List(w http.ResponseWriter, r *http.Request) {
	shelves, err := h.shelves.ListShelves(auth.UserID(r.Context()), r.URL.Query().Get("q"))
	if err != nil {
		h.logger.Error("list shelves", "error", err)
		writeMessage(w, http.StatusInternalServerError, "failed to list shelves")
		return
	}
	writeJSON(w, http.StatusOK, shelves)
}

// Action dispatches a pantry form post on its _action field.
func (h *PantryHandler) Action(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid form")
		return
	}

	switch action := r.PostForm.Get("_action"); action {
	case "createShelf":
		h.createShelf(w, r)
	case "deleteShelf":
		h.deleteShelf(w, r)
	case "saveShelfName":
		h.saveShelfName(w, r)
	case "createShelfItem":
		h.createShelfItem(w, r)
	case "deleteShelfItem":
		h.deleteShelfItem(w, r)
	default:
		writeMessage(w, http.StatusBadRequest, "Unknown action: "+action)
	}
}

// form validates the posted form, writing the field errors on failure.
func (h *PantryHandler) form(w http.ResponseWriter, r *http.Request, schema validate.Schema) (validate.Values, bool) {
	values, err := validate.Form(r.PostForm, schema)
	if err != nil {
		var verrs validate.Errors
		if errors.As(err, &verrs) {
			writeFieldErrors(w, verrs)
		} else {
			writeMessage(w, http.StatusBadRequest, err.Error())
		}
		return nil, false
	}
	return values, true
}

func (h *PantryHandler) createShelf(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	shelf, err := h.shelves.CreateShelf(userID, "")
	if err != nil {
		h.logger.Error("create shelf", "error", err)
		writeMessage(w, http.StatusInternalServerError, "failed to create shelf")
		return
	}

	ev := ws.NewEvent(ws.EntityShelf, ws.ActionCreated, shelf.ID)
	ev.Name = shelf.Name
	h.hub.Publish(userID, ev)
	writeJSON(w, http.StatusCreated, shelf)
}

func (h *PantryHandler) deleteShelf(w http.ResponseWriter, r *http.Request) {
	values, ok := h.form(w, r, deleteShelfSchema)
	if !ok {
		return
	}
	userID := auth.UserID(r.Context())
	shelfID := values.Int64("shelfId")

	deleted, err := h.shelves.DeleteShelf(userID, shelfID)
	if err != nil {
		h.logger.Error("delete shelf", "error", err)
		writeMessage(w, http.StatusInternalServerError, "failed to delete shelf")
		return
	}
	if !deleted {
		writeMessage(w, http.StatusNotFound, "shelf not found")
		return
	}

	h.hub.Publish(userID, ws.NewEvent(ws.EntityShelf, ws.ActionDeleted, shelfID))
	w.WriteHeader(http.StatusNoContent)
}

func (h *PantryHandler) saveShelfName(w http.ResponseWriter, r *http.Request) {
	values, ok := h.form(w, r, saveShelfNameSchema)
	if !ok {
		return
	}
	userID := auth.UserID(r.Context())

	shelf, err := h.shelves.RenameShelf(userID, values.Int64("shelfId"), values["shelfName"])
	if err != nil {
		h.logger.Error("rename shelf", "error", err)
		writeMessage(w, http.StatusInternalServerError, "failed to rename shelf")
		return
	}
	if shelf == nil {
		writeMessage(w, http.StatusNotFound, "shelf not found")
		return
	}

	ev := ws.NewEvent(ws.EntityShelf, ws.ActionRenamed, shelf.ID)
	ev.Name = shelf.Name
	h.hub.Publish(userID, ev)
	writeJSON(w, http.StatusOK, shelf)
}

func (h *PantryHandler) createShelfItem(w http.ResponseWriter, r *http.Request) {
	values, ok := h.form(w, r, createShelfItemSchema)
	if !ok {
		return
	}
	userID := auth.UserID(r.Context())

	item, err := h.shelves.CreateItem(userID, values.Int64("shelfId"), values["itemName"])
	if err != nil {
		h.logger.Error("create item", "error", err)
		writeMessage(w, http.StatusInternalServerError, "failed to create item")
		return
	}
	if item == nil {
		writeMessage(w, http.StatusNotFound, "shelf not found")
		return
	}

	ev := ws.NewEvent(ws.EntityItem, ws.ActionCreated, item.ID)
	ev.ShelfID = item.ShelfID
	ev.Name = item.Name
	h.hub.Publish(userID, ev)
	writeJSON(w, http.StatusCreated, item)
}

func (h *PantryHandler) deleteShelfItem(w http.ResponseWriter, r *http.Request) {
	values, ok := h.form(w, r, deleteShelfItemSchema)
	if !ok {
		return
	}
	userID := auth.UserID(r.Context())
	itemID := values.Int64("itemId")

	deleted, err := h.shelves.DeleteItem(userID, itemID)
	if err != nil {
		h.logger.Error("delete item", "error", err)
		writeMessage(w, http.StatusInternalServerError, "failed to delete item")
		return
	}
	if !deleted {
		writeMessage(w, http.StatusNotFound, "item not found")
		return
	}

	h.hub.Publish(userID, ws.NewEvent(ws.EntityItem, ws.ActionDeleted, itemID))
	w.WriteHeader(http.StatusNoContent)
}
