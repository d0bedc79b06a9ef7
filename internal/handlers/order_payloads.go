package handlers

import (
	"github.com/takeout-platform/api/internal/services"
)

type orderLinePayload struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Image      string `json:"image,omitempty"`
	DishID     *int64 `json:"dish_id,omitempty"`
	SetmealID  *int64 `json:"setmeal_id,omitempty"`
	DishFlavor string `json:"dish_flavor,omitempty"`
	Quantity   int    `json:"quantity"`
	UnitAmount int64  `json:"unit_amount"`
	Amount     int64  `json:"amount"`
}

type orderPayload struct {
	ID                    int64              `json:"id"`
	Number                string             `json:"number"`
	Status                int                `json:"status"`
	StatusName            string             `json:"status_name"`
	PayStatus             int                `json:"pay_status"`
	PayMethod             int                `json:"pay_method"`
	UserID                string             `json:"user_id"`
	AddressBookID         int64              `json:"address_book_id"`
	Consignee             string             `json:"consignee,omitempty"`
	Phone                 string             `json:"phone,omitempty"`
	Address               string             `json:"address,omitempty"`
	Remark                string             `json:"remark,omitempty"`
	Amount                int64              `json:"amount"`
	PackAmount            int64              `json:"pack_amount"`
	TablewareNumber       int                `json:"tableware_number"`
	OrderTime             string             `json:"order_time"`
	CheckoutTime          string             `json:"checkout_time,omitempty"`
	CancelTime            string             `json:"cancel_time,omitempty"`
	DeliveryTime          string             `json:"delivery_time,omitempty"`
	EstimatedDeliveryTime string             `json:"estimated_delivery_time,omitempty"`
	CancelReason          string             `json:"cancel_reason,omitempty"`
	RejectionReason       string             `json:"rejection_reason,omitempty"`
	Lines                 []orderLinePayload `json:"lines,omitempty"`
	OrderDishes           string             `json:"order_dishes,omitempty"`
}

type orderResponse struct {
	Order         orderPayload `json:"order"`
	RefundPending bool         `json:"refund_pending,omitempty"`
}

type orderPageResponse struct {
	Items    []orderPayload `json:"items"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:                    order.ID,
		Number:                order.Number,
		Status:                int(order.Status),
		StatusName:            order.Status.String(),
		PayStatus:             int(order.PayStatus),
		PayMethod:             order.PayMethod,
		UserID:                order.UserID,
		AddressBookID:         order.AddressBookID,
		Consignee:             order.Consignee,
		Phone:                 order.Phone,
		Address:               order.Address,
		Remark:                order.Remark,
		Amount:                order.Amount,
		PackAmount:            order.PackAmount,
		TablewareNumber:       order.TablewareNumber,
		OrderTime:             formatTime(order.OrderTime),
		CheckoutTime:          formatTimePtr(order.CheckoutTime),
		CancelTime:            formatTimePtr(order.CancelTime),
		DeliveryTime:          formatTimePtr(order.DeliveryTime),
		EstimatedDeliveryTime: formatTimePtr(order.EstimatedDeliveryTime),
		CancelReason:          order.CancelReason,
		RejectionReason:       order.RejectionReason,
	}
	if len(order.Lines) > 0 {
		payload.Lines = make([]orderLinePayload, 0, len(order.Lines))
		for _, line := range order.Lines {
			payload.Lines = append(payload.Lines, orderLinePayload{
				ID:         line.ID,
				Name:       line.Name,
				Image:      line.Image,
				DishID:     line.DishID,
				SetmealID:  line.SetmealID,
				DishFlavor: line.DishFlavor,
				Quantity:   line.Quantity,
				UnitAmount: line.UnitAmount,
				Amount:     line.Amount,
			})
		}
	}
	return payload
}
