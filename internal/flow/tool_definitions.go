package flow

import (
	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// ToolDefinitions returns the function definitions offered to the model on every call.
func ToolDefinitions() []openai.ChatCompletionToolParam {
	return []openai.ChatCompletionToolParam{
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name: string(models.ToolCreateOwnerTask),
				Description: openai.String("Create a task for the business owner for queries and requests you do not have the context to resolve. " +
					"After the task is created, politely tell the client to wait for the owner's response."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"taskDescription": map[string]interface{}{
							"type":        "string",
							"description": "Concisely define the task the business owner needs to carry out to fulfil the request, with a clear objective.",
						},
						"priority": map[string]interface{}{
							"type":        "string",
							"enum":        []string{"low", "medium", "high"},
							"description": "high for time sensitive requests, otherwise low or medium.",
						},
					},
					"required":             []string{"taskDescription", "priority"},
					"additionalProperties": false,
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name: string(models.ToolScheduleAppointment),
				Description: openai.String("Schedule an appointment for one of the services in the business profile. " +
					"Never call this without first getting the exact day (DD MMM YYYY) and time from the client; ask for anything missing first."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"appointmentDescription": map[string]interface{}{
							"type":        "string",
							"description": "What the appointment is for and which service, e.g. 'Facial (service) for <client name>'.",
						},
						"isoStart": map[string]interface{}{
							"type":        "string",
							"description": "Appointment start as RFC 3339, e.g. 2025-07-05T11:00:00Z. Convert from the business timezone when the client gives local time.",
						},
						"isoEnd": map[string]interface{}{
							"type":        "string",
							"description": "Appointment end as RFC 3339. Use the service duration from the business instructions, or one hour when none is given.",
						},
					},
					"required":             []string{"appointmentDescription", "isoStart", "isoEnd"},
					"additionalProperties": false,
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name: string(models.ToolGetClientAppointments),
				Description: openai.String("List the client's bookings as an array of {bookingId, description, startTime, endTime}. " +
					"Use it before rescheduling: show only descriptions and times, confirm which booking to change, collect the new details, " +
					"then call reschedule_appointment with that bookingId."),
				Parameters: shared.FunctionParameters{
					"type":                 "object",
					"properties":           map[string]interface{}{},
					"additionalProperties": false,
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name: string(models.ToolRescheduleAppointment),
				Description: openai.String("Reschedule a client's appointment once you know which booking to update (bookingId from get_client_appointments) " +
					"and the new times, and optionally a new description."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"bookingId": map[string]interface{}{
							"type":        "string",
							"description": "The bookingId of the booking to move, as returned by get_client_appointments.",
						},
						"newAppointmentDescription": map[string]interface{}{
							"type":        "string",
							"description": "Only when the description changes; leave empty to keep the current one.",
						},
						"newBookingTimeStart": map[string]interface{}{
							"type":        "string",
							"description": "New start as RFC 3339, e.g. 2025-07-05T11:00:00Z.",
						},
						"newBookingTimeEnd": map[string]interface{}{
							"type":        "string",
							"description": "New end as RFC 3339. One hour after the start when the service has no duration.",
						},
					},
					"required":             []string{"bookingId", "newBookingTimeStart", "newBookingTimeEnd"},
					"additionalProperties": false,
				},
			},
		},
	}
}
