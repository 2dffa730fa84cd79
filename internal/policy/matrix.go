package policy

var allActions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}

// DefaultMatrix is the built-in grant table for the clinic product. Loaded
// once at startup; deployments can replace it wholesale but not mutate it.
func DefaultMatrix() []Grant {
	var grants []Grant

	// ADMIN holds every action on every resource globally.
	adminResources := []string{
		ResourceClients, ResourceAppointments, ResourceMedicalHistory,
		ResourcePayments, ResourceStock, ResourceReports,
		ResourceUsers, ResourceSecurity,
	}
	for _, res := range adminResources {
		class := "internal"
		if res == ResourceUsers || res == ResourceSecurity {
			class = "restricted"
		}
		grants = append(grants, Grant{
			Role:               RoleAdmin,
			Resource:           res,
			Actions:            allActions,
			Scope:              ScopeGlobal,
			DataClassification: class,
		})
	}

	// Front desk: manages clients and the schedule, takes payments during
	// opening hours, checks stock. Never deletes and never touches clinical
	// records.
	grants = append(grants,
		Grant{
			Role:               RoleRecepcionista,
			Resource:           ResourceClients,
			Actions:            []Action{ActionCreate, ActionRead, ActionUpdate},
			Scope:              ScopeGlobal,
			DataClassification: "internal",
		},
		Grant{
			Role:               RoleRecepcionista,
			Resource:           ResourceAppointments,
			Actions:            []Action{ActionCreate, ActionRead, ActionUpdate},
			Scope:              ScopeGlobal,
			DataClassification: "internal",
			TimeWindow:         "07:00-20:00",
		},
		Grant{
			Role:               RoleRecepcionista,
			Resource:           ResourcePayments,
			Actions:            []Action{ActionCreate, ActionRead},
			Scope:              ScopeGlobal,
			DataClassification: "confidential",
		},
		Grant{
			Role:               RoleRecepcionista,
			Resource:           ResourceStock,
			Actions:            []Action{ActionRead},
			Scope:              ScopeGlobal,
			DataClassification: "internal",
		},
	)

	// Doctors: their own schedule, clinical records for assigned patients,
	// client demographics read-only.
	grants = append(grants,
		Grant{
			Role:               RoleMedico,
			Resource:           ResourceAppointments,
			Actions:            []Action{ActionRead, ActionUpdate},
			Scope:              ScopeAssigned,
			DataClassification: "internal",
		},
		Grant{
			Role:               RoleMedico,
			Resource:           ResourceMedicalHistory,
			Actions:            []Action{ActionCreate, ActionRead, ActionUpdate},
			Scope:              ScopeLimited,
			DataClassification: "restricted",
			Conditions:         []string{"patient_assigned"},
			Restrictions:       []string{"no_diagnosis"},
		},
		Grant{
			Role:               RoleMedico,
			Resource:           ResourceClients,
			Actions:            []Action{ActionRead},
			Scope:              ScopeReadOnly,
			DataClassification: "internal",
		},
	)

	// Accounting: money and reports, plus read-only client lookup for
	// invoicing.
	grants = append(grants,
		Grant{
			Role:               RoleContador,
			Resource:           ResourcePayments,
			Actions:            []Action{ActionCreate, ActionRead, ActionUpdate},
			Scope:              ScopeGlobal,
			DataClassification: "confidential",
		},
		Grant{
			Role:               RoleContador,
			Resource:           ResourceReports,
			Actions:            []Action{ActionRead},
			Scope:              ScopeGlobal,
			DataClassification: "confidential",
		},
		Grant{
			Role:               RoleContador,
			Resource:           ResourceClients,
			Actions:            []Action{ActionRead},
			Scope:              ScopeReadOnly,
			DataClassification: "internal",
		},
		Grant{
			Role:               RoleContador,
			Resource:           ResourceStock,
			Actions:            []Action{ActionRead},
			Scope:              ScopeGlobal,
			DataClassification: "internal",
		},
	)

	return grants
}
