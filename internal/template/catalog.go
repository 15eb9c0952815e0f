package template

func strPtr(s string) *string { return &s }

// Default returns the built-in catalog of approved templates.
func Default() *Registry {
	r, err := NewRegistry(
		MessageTemplate{
			Name:     "order_confirmation",
			Language: "en",
			Category: "UTILITY",
			Body:     "Hi {{1}}, thanks for your order {{2}} with {{3}}. We'll let you know when it ships.",
			Variables: []Variable{
				{Position: 1, Name: "customer_name", DefaultValue: strPtr("there")},
				{Position: 2, Name: "order_number"},
				{Position: 3, Name: "business_name"},
			},
		},
		MessageTemplate{
			Name:     "shipping_update",
			Language: "en",
			Category: "UTILITY",
			Body:     "Good news {{1}}! Order {{2}} is on its way. Track it here: {{3}}",
			Variables: []Variable{
				{Position: 1, Name: "customer_name", DefaultValue: strPtr("there")},
				{Position: 2, Name: "order_number"},
				{Position: 3, Name: "tracking_url"},
			},
		},
		MessageTemplate{
			Name:     "appointment_reminder",
			Language: "en",
			Category: "UTILITY",
			Body:     "Hi {{1}}, this is a reminder of your appointment with {{2}} on {{3}}. Reply to confirm or reschedule.",
			Variables: []Variable{
				{Position: 1, Name: "customer_name", DefaultValue: strPtr("there")},
				{Position: 2, Name: "business_name"},
				{Position: 3, Name: "appointment_time"},
			},
		},
		MessageTemplate{
			Name:     "follow_up",
			Language: "en",
			Category: "UTILITY",
			Body:     "Hi {{1}}, {{2}} here. We wanted to follow up on your recent request. Reply to continue the conversation.",
			Variables: []Variable{
				{Position: 1, Name: "customer_name", DefaultValue: strPtr("there")},
				{Position: 2, Name: "business_name"},
			},
		},
		MessageTemplate{
			Name:     "reengagement",
			Language: "en",
			Category: "MARKETING",
			Body:     "Hi {{1}}, it's been a while! {{2}} has something new for you. Reply YES to hear more.",
			Variables: []Variable{
				{Position: 1, Name: "customer_name", DefaultValue: strPtr("there")},
				{Position: 2, Name: "business_name"},
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}
