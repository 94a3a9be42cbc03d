package identity

import "testing"

func TestNewDefaultsHostID(t *testing.T) {
	id, err := New("site-1", "", "", DeploymentDirect)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if id.HostID == "" {
		t.Fatal("expected HostID to default to os.Hostname()")
	}
}

func TestValidateResellerInvariant(t *testing.T) {
	cases := []struct {
		name       string
		resellerID string
		mode       DeploymentMode
		wantErr    bool
	}{
		{"direct with no reseller", "", DeploymentDirect, false},
		{"direct with reseller set", "r1", DeploymentDirect, true},
		{"reseller with no id", "", DeploymentReseller, true},
		{"reseller with id", "r1", DeploymentReseller, false},
		{"unknown mode", "", "bogus", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := SiteIdentity{SiteID: "s", HostID: "h", ResellerID: tc.resellerID, DeploymentMode: tc.mode}
			err := id.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestNewRequiresSiteID(t *testing.T) {
	if _, err := New("", "", "h", DeploymentDirect); err == nil {
		t.Fatal("expected error for empty site_id")
	}
}
