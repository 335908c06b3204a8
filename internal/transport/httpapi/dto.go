package httpapi

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	"github.com/vladislavdragonenkov/commerce-api/internal/service/auth"
)

// dateLayout — формат дат в запросах и ответах.
const dateLayout = "2006-01-02"

type userResponse struct {
	ID        int64       `json:"id"`
	Username  string      `json:"username"`
	Email     string      `json:"email"`
	Role      domain.Role `json:"role"`
	IsActive  bool        `json:"is_active"`
	IsAdmin   bool        `json:"is_admin"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func newUserResponse(u domain.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		IsActive:  u.Active,
		IsAdmin:   u.IsAdmin(),
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

func newTokenResponse(pair auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    int64(pair.ExpiresIn.Seconds()),
	}
}

type clientResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	TaxID     string    `json:"tax_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newClientResponse(c domain.Client) clientResponse {
	return clientResponse{
		ID:        c.ID,
		Name:      c.Name,
		Email:     c.Email,
		TaxID:     c.TaxID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

type productResponse struct {
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	Price       string    `json:"price"`
	Barcode     string    `json:"barcode"`
	Section     string    `json:"section"`
	Stock       int       `json:"stock"`
	ExpiryDate  *string   `json:"expiry_date"`
	Images      []string  `json:"images"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newProductResponse(p domain.Product) productResponse {
	resp := productResponse{
		ID:          p.ID,
		Description: p.Description,
		Price:       p.Price.StringFixed(2),
		Barcode:     p.Barcode,
		Section:     p.Section,
		Stock:       p.Stock,
		Images:      p.Images,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if resp.Images == nil {
		resp.Images = []string{}
	}
	if p.ExpiryDate != nil {
		expiry := p.ExpiryDate.Format(dateLayout)
		resp.ExpiryDate = &expiry
	}
	return resp
}

type orderResponse struct {
	ID        int64              `json:"id"`
	ClientID  int64              `json:"client_id"`
	Status    domain.OrderStatus `json:"status"`
	Client    clientResponse     `json:"client"`
	Products  []productResponse  `json:"products"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func newOrderResponse(o domain.Order) orderResponse {
	products := make([]productResponse, 0, len(o.Products))
	for _, p := range o.Products {
		products = append(products, newProductResponse(p))
	}
	return orderResponse{
		ID:        o.ID,
		ClientID:  o.ClientID,
		Status:    o.Status,
		Client:    newClientResponse(o.Client),
		Products:  products,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

func mapSlice[T, R any](items []T, fn func(T) R) []R {
	out := make([]R, 0, len(items))
	for _, item := range items {
		out = append(out, fn(item))
	}
	return out
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type updateUserRequest struct {
	Username *string      `json:"username"`
	Email    *string      `json:"email"`
	Password *string      `json:"password"`
	Role     *domain.Role `json:"role"`
	IsActive *bool        `json:"is_active"`
}

type clientRequest struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
	TaxID *string `json:"tax_id"`
}

func (c clientRequest) patch() domain.ClientPatch {
	return domain.ClientPatch{Name: c.Name, Email: c.Email, TaxID: c.TaxID}
}

type productRequest struct {
	Description *string          `json:"description"`
	Price       *decimal.Decimal `json:"price"`
	Barcode     *string          `json:"barcode"`
	Section     *string          `json:"section"`
	Stock       *int             `json:"stock"`
	ExpiryDate  *string          `json:"expiry_date"`
	Images      *[]string        `json:"images"`
}

func (p productRequest) patch() (domain.ProductPatch, error) {
	patch := domain.ProductPatch{
		Description: p.Description,
		Price:       p.Price,
		Barcode:     p.Barcode,
		Section:     p.Section,
		Stock:       p.Stock,
		Images:      p.Images,
	}
	if p.ExpiryDate != nil && *p.ExpiryDate != "" {
		expiry, err := time.Parse(dateLayout, *p.ExpiryDate)
		if err != nil {
			return domain.ProductPatch{}, fmt.Errorf("%w: expiry_date must be YYYY-MM-DD", domain.ErrInvalidArgument)
		}
		patch.ExpiryDate = &expiry
	}
	return patch, nil
}

type createOrderRequest struct {
	ClientID   int64   `json:"client_id"`
	ProductIDs []int64 `json:"product_ids"`
	Status     string  `json:"status"`
}

type updateOrderRequest struct {
	Status     *string `json:"status"`
	ProductIDs []int64 `json:"product_ids"`
}
