package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"

	. "github.com/cypjiji-star/edusphere-kenya-sub002/apps/api/echo"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/user"
	testutil "github.com/cypjiji-star/edusphere-kenya-sub002/tests"
)

func TestUserApi_login(t *testing.T) {
	testutil.CreateUser(t, usrRepo, "Jane Login", "janelogin", "janelogin@edusphere.test", "P@ssw0rd!", []string{user.RoleStudent}, true)
	testutil.CreateUser(t, usrRepo, "Gone Guy", "goneguy", "goneguy@edusphere.test", "P@ssw0rd!", []string{user.RoleStudent}, false)

	tests := []httpTest{
		{
			name: "empty body", wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, echo.Map{"username": "this field is required", "password": "this field is required"}),
		},
		{
			name: "unknown user", body: marchallObj(t, LoginRequest{Username: "nobody", Password: "P@ssw0rd!"}),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: "authentication failed"}),
		},
		{
			name: "wrong password", body: marchallObj(t, LoginRequest{Username: "janelogin", Password: "nope nope"}),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: "authentication failed"}),
		},
		{
			name: "deactivated account", body: marchallObj(t, LoginRequest{Username: "goneguy", Password: "P@ssw0rd!"}),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "account deactivated"}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(http.MethodPost, "/v1/users/login", tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	t.Run("login ok", func(t *testing.T) {
		body := marchallObj(t, LoginRequest{Username: "janelogin", Password: "P@ssw0rd!"})
		req, rec := newRequest(http.MethodPost, "/v1/users/login", body)
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("code = %v; want %v; body %s", rec.Code, http.StatusOK, rec.Body.String())
		}
		var resp LoginResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshalling LoginResponse: %v", err)
		}
		if resp.Token == "" {
			t.Error("empty token")
		}
	})

	t.Run("login by email ok", func(t *testing.T) {
		body := marchallObj(t, LoginRequest{Username: "JaneLogin@edusphere.test", Password: "P@ssw0rd!"})
		req, rec := newRequest(http.MethodPost, "/v1/users/login", body)
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("code = %v; want %v; body %s", rec.Code, http.StatusOK, rec.Body.String())
		}
	})
}

func TestUserApi_refreshToken(t *testing.T) {
	usr := testutil.CreateUser(t, usrRepo, "Ref Resh", "refresh", "refresh@edusphere.test", "P@ssw0rd!", []string{user.RoleTeacher}, true)

	t.Run("no token", func(t *testing.T) {
		tt := httpTest{wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)}
		req, rec := newRequest(http.MethodPost, "/v1/users/token-refresh")
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, tt, rec)
	})

	t.Run("refresh ok", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, "/v1/users/token-refresh", getToken(t, usr))
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("code = %v; want %v; body %s", rec.Code, http.StatusOK, rec.Body.String())
		}
		var resp LoginResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshalling LoginResponse: %v", err)
		}
		if resp.Token == "" {
			t.Error("empty token")
		}
	})
}

func TestUserApi_create(t *testing.T) {
	admin := testutil.CreateUser(t, usrRepo, "Adm One", "admone", "admone@edusphere.test", "P@ssw0rd!", []string{user.RoleAdmin}, true)
	student := testutil.CreateUser(t, usrRepo, "Stu One", "stuone", "stuone@edusphere.test", "P@ssw0rd!", []string{user.RoleStudent}, true)

	newUsr := func(uname string, roles []string) []byte {
		return marchallObj(t, user.NewUser{
			Name:            "New Kid",
			Username:        uname,
			Email:           uname + "@edusphere.test",
			Password:        "P@ssw0rd!",
			PasswordConfirm: "P@ssw0rd!",
			Roles:           roles,
		})
	}

	tests := []httpTest{
		{
			name: "no token", body: newUsr("newkid1", nil),
			wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken),
		},
		{
			name: "student is not allowed", token: getToken(t, student), body: newUsr("newkid1", nil),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, errPermDenied),
		},
		{
			name: "cannot grant a role above own", token: getToken(t, admin), body: newUsr("newkid2", []string{user.RoleAdminOwner}),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, echo.Map{"roles": "not enough rights to set these roles"}),
		},
		{
			name: "unknown roles are rejected", token: getToken(t, admin), body: newUsr("newkid3", []string{"janitor:"}),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, echo.Map{"roles": "invalid roles"}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodPost, "/v1/users/register", tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	t.Run("create ok", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, "/v1/users/register", getToken(t, admin), newUsr("newkid4", []string{user.RoleStudent}))
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("code = %v; want %v; body %s", rec.Code, http.StatusCreated, rec.Body.String())
		}
		var created user.User
		if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
			t.Fatalf("unmarshalling User: %v", err)
		}
		if created.ID == "" {
			t.Error("empty user ID")
		}
		if created.Username != "newkid4" {
			t.Errorf("username = %q", created.Username)
		}
		if created.IsActive == nil || !*created.IsActive {
			t.Error("new user should be active")
		}
	})

	t.Run("duplicate username is rejected", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, "/v1/users/register", getToken(t, admin), newUsr("newkid4", []string{user.RoleStudent}))
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("code = %v; want %v; body %s", rec.Code, http.StatusBadRequest, rec.Body.String())
		}
	})
}

func TestUserApi_query(t *testing.T) {
	admin := testutil.CreateUser(t, usrRepo, "Adm Query", "admquery", "admquery@edusphere.test", "P@ssw0rd!", []string{user.RoleAdminPrincipal}, true)
	teacher := testutil.CreateUser(t, usrRepo, "Tea Query", "teaquery", "teaquery@edusphere.test", "P@ssw0rd!", []string{user.RoleTeacher}, true)

	t.Run("teacher is not allowed", func(t *testing.T) {
		tt := httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, errPermDenied)}
		req, rec := newAuthRequest(http.MethodGet, "/v1/users", getToken(t, teacher))
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, tt, rec)
	})

	t.Run("admin query ok", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/users?search=query", getToken(t, admin))
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("code = %v; want %v; body %s", rec.Code, http.StatusOK, rec.Body.String())
		}
		var users []user.User
		if err := json.Unmarshal(rec.Body.Bytes(), &users); err != nil {
			t.Fatalf("unmarshalling []User: %v", err)
		}
		if len(users) != 2 {
			t.Errorf("len(users) = %d; want 2", len(users))
		}
	})
}

func TestUserApi_retrieve(t *testing.T) {
	admin := testutil.CreateUser(t, usrRepo, "Adm Get", "admget", "admget@edusphere.test", "P@ssw0rd!", []string{user.RoleAdmin}, true)
	student := testutil.CreateUser(t, usrRepo, "Stu Get", "stuget", "stuget@edusphere.test", "P@ssw0rd!", []string{user.RoleStudent}, true)

	tests := []httpTest{
		{
			name: "own detail ok", path: "/v1/users/" + student.ID, token: getToken(t, student),
			wantCode: http.StatusOK, wantData: marchallObj(t, student),
		},
		{
			name: "someone else's detail is hidden", path: "/v1/users/" + admin.ID, token: getToken(t, student),
			wantCode: http.StatusNotFound, wantData: marchallObj(t, errNotFound),
		},
		{
			name: "admin sees anyone", path: "/v1/users/" + student.ID, token: getToken(t, admin),
			wantCode: http.StatusOK, wantData: marchallObj(t, student),
		},
		{
			name: "unknown ID", path: "/v1/users/4460ba17-4d00-4b36-8b97-31e5fd778268", token: getToken(t, admin),
			wantCode: http.StatusNotFound, wantData: marchallObj(t, errNotFound),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodGet, tt.path, tt.token)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func TestUserApi_queryRoles(t *testing.T) {
	admin := testutil.CreateUser(t, usrRepo, "Adm Roles", "admroles", "admroles@edusphere.test", "P@ssw0rd!", []string{user.RoleAdmin}, true)

	req, rec := newAuthRequest(http.MethodGet, "/v1/users/roles", getToken(t, admin))
	app.ServeHTTP(rec, req)

	tt := httpTest{wantCode: http.StatusOK, wantData: marchallObj(t, user.Roles)}
	checkCodeAndData(t, tt, rec)
}
