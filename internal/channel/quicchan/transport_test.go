package quicchan

import "testing"

func TestServerTLSConfig(t *testing.T) {
	cfg, err := ServerTLSConfig()
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	if len(cfg.Certificates) == 0 {
		t.Fatal("no certificate generated")
	}
	found := false
	for _, proto := range cfg.NextProtos {
		if proto == ALPNProtocol {
			found = true
		}
	}
	if !found {
		t.Errorf("NextProtos missing %s", ALPNProtocol)
	}
}

func TestClientTLSConfig(t *testing.T) {
	cfg := ClientTLSConfig()
	if !cfg.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify for self-signed peers")
	}
	found := false
	for _, proto := range cfg.NextProtos {
		if proto == ALPNProtocol {
			found = true
		}
	}
	if !found {
		t.Errorf("NextProtos missing %s", ALPNProtocol)
	}
}
