package ui

import (
	"context"
	"net/http"

	"github.com/batchsched/inferq/internal/policy"
)

type ctxKeyUser struct{}

// authMiddleware checks the "session" cookie against admin_users,
// the cookie value is the username itself.
func (h *Handler) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("session")
		if err != nil {
			http.Redirect(w, r, "/ui/login", http.StatusFound)
			return
		}

		username := cookie.Value
		u, exists, err := h.PolicyStore.GetAdminUser(r.Context(), username)
		if err != nil || !exists {
			http.Redirect(w, r, "/ui/login", http.StatusFound)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUser{}, &u)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

func (h *Handler) username(r *http.Request) string {
	if u := h.getUser(r); u != nil {
		return u.Username
	}
	return ""
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		h.render(w, "login.html", h.newViewModel("login", r))
		return
	}

	username := r.FormValue("username")
	password := r.FormValue("password")

	u, err := h.Auth.AuthenticateUser(r.Context(), username, password)
	if err != nil {
		vm := h.newViewModel("login", r)
		vm.LoginErr = "invalid username or password"
		h.render(w, "login.html", vm)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    u.Username,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   86400,
	})

	http.Redirect(w, r, "/ui/", http.StatusFound)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	http.Redirect(w, r, "/ui/login", http.StatusFound)
}

func (h *Handler) users(w http.ResponseWriter, r *http.Request) {
	users, err := h.PolicyStore.ListAdminUsers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	vm := h.newViewModel("users", r)
	vm.Data = struct {
		Users []policy.AdminUser
	}{
		Users: users,
	}
	h.render(w, "users.html", vm)
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Password can be changed for self, or by admin for others
	currentUser := h.getUser(r)
	targetUser := r.FormValue("username")
	newPassword := r.FormValue("password")

	if targetUser == "" {
		targetUser = currentUser.Username
	}

	if currentUser.Username != "admin" && currentUser.Username != targetUser {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if newPassword == "" {
		http.Error(w, "Password required", http.StatusBadRequest)
		return
	}

	if err := h.Auth.ChangePassword(r.Context(), targetUser, newPassword); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// If changing own password, maybe redirect to login?
	// For now, just back to users or dashboard
	if currentUser.Username == "admin" && targetUser != "admin" {
		http.Redirect(w, r, "/ui/users", http.StatusSeeOther)
	} else {
		http.Redirect(w, r, "/ui/", http.StatusSeeOther)
	}
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	username := r.FormValue("username")
	password := r.FormValue("password")

	if username == "" || password == "" {
		http.Error(w, "Username and password required", http.StatusBadRequest)
		return
	}

	err := h.Auth.CreateUser(r.Context(), username, password)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/ui/users", http.StatusSeeOther)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	username := r.FormValue("username")
	if username == "admin" {
		http.Error(w, "Cannot delete admin user", http.StatusForbidden)
		return
	}

	if err := h.PolicyStore.DeleteAdminUser(r.Context(), username); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/ui/users", http.StatusSeeOther)
}

func (h *Handler) getUser(r *http.Request) *policy.AdminUser {
	if v := r.Context().Value(ctxKeyUser{}); v != nil {
		return v.(*policy.AdminUser)
	}
	return nil
}
